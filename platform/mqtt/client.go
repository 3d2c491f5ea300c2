package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/client"
	"github.com/256dpi/gomqtt/client/future"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/iotgw/helpers"
	"github.com/temoto/iotgw/helpers/atomic_clock"
	"github.com/temoto/iotgw/log2"
)

const DefaultNetworkTimeout = 30 * time.Second
const DefaultReconnectDelay = 3 * time.Second
const DefaultSendQueue = 256

var ErrClientClosing = fmt.Errorf("MQTT client is closing")
var ErrSendQueueFull = fmt.Errorf("MQTT send queue is full")

type ClientOptions struct {
	BrokerURL      string
	TLS            *tls.Config
	ReconnectDelay time.Duration
	NetworkTimeout time.Duration
	KeepaliveSec   uint16
	ClientID       string
	Username       string
	Password       string
	Subscriptions  []packet.Subscription
	OnMessage      func(*packet.Message) error
	Will           *packet.Message
	Log            *log2.Log
	SendQueue      int

	conpkt   *packet.Connect
	dialer   *transport.Dialer
	onpacket func(*clientConn, packet.Generic)
	ondie    func(error)
}

// Platform session MQTT client.
//   - NewClient() returns only configuration errors, network IO is done in background
//   - Connect with clean session only
//   - Subscribe for configured list after every connect, no unsubscribe
//   - Unlimited reconnect attempts until Close()
//   - QOS 0,1
//   - Publish is ordered and pipelined: single sender, many PUBLISH in flight,
//     each completed by PUBACK or cancelled by timeout/connection loss
//   - No in-flight storage, durability is caller's job
type Client struct { //nolint:maligned
	sync.Mutex

	alive   *alive.Alive
	current *clientConn
	lastID  uint32
	opt     ClientOptions
	sendch  chan outgoing

	inflight struct {
		sync.Mutex
		m map[packet.ID]*helpers.Future
	}
}

type outgoing struct {
	msg *packet.Message
	fu  *helpers.Future
}

func NewClient(opt ClientOptions) (*Client, error) {
	if opt.OnMessage == nil {
		return nil, errors.NotValidf("code error mqtt.ClientOptions.OnMessage=nil")
	}
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	if opt.ReconnectDelay == 0 {
		opt.ReconnectDelay = DefaultReconnectDelay
	}
	if opt.SendQueue == 0 {
		opt.SendQueue = DefaultSendQueue
	}
	if u, err := url.ParseRequestURI(opt.BrokerURL); err != nil {
		return nil, errors.Annotatef(err, "config error mqtt BrokerURL=%s", opt.BrokerURL)
	} else if u.User != nil && opt.Username == "" && opt.Password == "" {
		opt.Username = u.User.Username()
		opt.Password, _ = u.User.Password()
	}
	opt.conpkt = packet.NewConnect()
	opt.conpkt.ClientID = defaultString(opt.ClientID, opt.Username)
	opt.conpkt.KeepAlive = opt.KeepaliveSec
	opt.conpkt.CleanSession = true
	opt.conpkt.Username = opt.Username
	opt.conpkt.Password = opt.Password
	opt.conpkt.Will = opt.Will
	opt.dialer = transport.NewDialer(transport.DialConfig{
		TLSConfig: opt.TLS,
		Timeout:   opt.NetworkTimeout,
	})

	c := &Client{
		alive:  alive.NewAlive(),
		lastID: uint32(time.Now().UnixNano()),
		opt:    opt,
		sendch: make(chan outgoing, opt.SendQueue),
	}
	c.inflight.m = make(map[packet.ID]*helpers.Future)
	c.opt.onpacket = c.onPacket
	c.opt.ondie = c.onConnLost
	_ = c.clientConn(true)

	c.alive.Add(2)
	go c.worker()
	go c.sender()
	return c, nil
}

func (c *Client) Close() error {
	err := c.Disconnect()
	c.alive.Stop()
	c.alive.Wait()
	c.onConnLost(ErrClientClosing)
	return err
}

func (c *Client) Disconnect() error {
	err := client.ErrClientNotConnected
	if cc := c.clientConn(false); cc != nil {
		err = cc.send(packet.NewDisconnect())
		err = cc.die(err)
	}
	return err
}

// PublishAsync queues message for ordered sending and never blocks.
// Future is completed on PUBACK (QOS1) or after write (QOS0),
// cancelled with error on full send queue, not connected within NetworkTimeout,
// send error, ack timeout, connection loss or Close.
func (c *Client) PublishAsync(msg *packet.Message) *helpers.Future {
	if msg.QOS >= packet.QOSExactlyOnce {
		panic("code error QOS ExactlyOnce not implemented")
	}
	fu := helpers.NewFuture()
	if !c.alive.IsRunning() {
		fu.Cancel(ErrClientClosing)
		return fu
	}
	select {
	case c.sendch <- outgoing{msg: msg, fu: fu}:
	case <-c.alive.StopChan():
		fu.Cancel(ErrClientClosing)
	default:
		fu.Cancel(errors.Annotatef(ErrSendQueueFull, "topic=%s queue=%d", msg.Topic, cap(c.sendch)))
	}
	return fu
}

// Publish blocks until message is acknowledged or ctx is done.
func (c *Client) Publish(ctx context.Context, msg *packet.Message) error {
	return c.PublishAsync(msg).Wait(ctx)
}

// Returns, in this order:
// - ErrClosing if client stopped with Close()
// - nil if connected and subscribed within context limit
// - context.Canceled if context canceled/expired before successful connection
func (c *Client) WaitReady(ctx context.Context) error {
	donech := ctx.Done()
	stopch := c.alive.StopChan()
	for {
		cc := c.clientConn(false)
		if cc == nil {
			select {
			case <-time.After(100 * time.Millisecond):
				continue

			case <-donech:
				return context.Canceled

			case <-stopch:
				return ErrClientClosing
			}
		}

		switch cc.waitReady(ctx) {
		case nil: // success path
			return nil

		case context.Canceled:
			return context.Canceled

		case ErrClientClosing: // current connection is lost, just try again
			select {
			case <-stopch:
				return ErrClientClosing
			default:
			}
		}
	}
}

func (c *Client) clientConn(create bool) *clientConn {
	c.Lock()
	defer c.Unlock()
	if !c.alive.IsRunning() {
		return nil
	}
	if c.current != nil && !c.current.alive.IsRunning() {
		c.current = nil
	}
	if c.current == nil && create {
		var subpkt *packet.Subscribe
		if len(c.opt.Subscriptions) != 0 {
			subpkt = &packet.Subscribe{
				ID:            c.nextID(),
				Subscriptions: c.opt.Subscriptions,
			}
		}
		c.current = newClientConn(c.opt, subpkt)
	}
	return c.current
}

func (c *Client) disconnect(err error) error {
	if cc := c.clientConn(false); cc != nil {
		_ = cc.die(err)
		cc.alive.Wait()
	}
	return err
}

func (c *Client) sender() {
	defer c.alive.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopch := c.alive.StopChan()
	go func() {
		<-stopch
		cancel()
	}()

	for {
		select {
		case out := <-c.sendch:
			c.sendOne(ctx, out)

		case <-stopch:
			for {
				select {
				case out := <-c.sendch:
					out.fu.Cancel(ErrClientClosing)
				default:
					return
				}
			}
		}
	}
}

func (c *Client) sendOne(ctx context.Context, out outgoing) {
	readyCtx, cancel := context.WithTimeout(ctx, c.opt.NetworkTimeout)
	err := c.WaitReady(readyCtx)
	cancel()
	if err != nil {
		if err == context.Canceled && ctx.Err() == nil {
			err = errors.Timeoutf("publish wait ready %v", c.opt.NetworkTimeout)
		}
		out.fu.Cancel(errors.Annotatef(err, "topic=%s", out.msg.Topic))
		return
	}

	publish := packet.NewPublish()
	publish.Message = *out.msg
	if out.msg.QOS >= packet.QOSAtLeastOnce {
		publish.ID = c.nextID()
		c.inflightAdd(publish.ID, out.fu)
	}

	if err := c.send(publish); err != nil {
		err = errors.Annotate(err, "send PUBLISH")
		if publish.ID != 0 {
			c.inflightRemove(publish.ID)
		}
		out.fu.Cancel(err)
		return
	}
	if out.msg.QOS == packet.QOSAtMostOnce {
		out.fu.Complete(nil)
	}
}

func (c *Client) inflightAdd(id packet.ID, fu *helpers.Future) {
	c.inflight.Lock()
	if prev := c.inflight.m[id]; prev != nil {
		prev.Cancel(errors.Errorf("packet id=%d reused", id))
	}
	c.inflight.m[id] = fu
	c.inflight.Unlock()

	time.AfterFunc(c.opt.NetworkTimeout, func() {
		c.inflight.Lock()
		current := c.inflight.m[id]
		if current == fu {
			delete(c.inflight.m, id)
		}
		c.inflight.Unlock()
		if current != fu {
			return
		}
		err := errors.Timeoutf("PUBACK id=%d", id)
		if fu.Cancel(err) {
			// ack lost, start over with new connection
			_ = c.disconnect(err)
		}
	})
}

func (c *Client) inflightRemove(id packet.ID) *helpers.Future {
	c.inflight.Lock()
	defer c.inflight.Unlock()
	fu := c.inflight.m[id]
	delete(c.inflight.m, id)
	return fu
}

func (c *Client) inflightLen() int {
	c.inflight.Lock()
	defer c.inflight.Unlock()
	return len(c.inflight.m)
}

// clean session: PUBACK for messages of lost connection will never arrive
func (c *Client) onConnLost(err error) {
	c.inflight.Lock()
	lost := c.inflight.m
	c.inflight.m = make(map[packet.ID]*helpers.Future)
	c.inflight.Unlock()
	for id, fu := range lost {
		fu.Cancel(errors.Annotatef(err, "connection lost, PUBLISH id=%d", id))
	}
}

func (c *Client) nextID() packet.ID {
	for {
		u32 := atomic.AddUint32(&c.lastID, 1)
		if id := packet.ID(u32 % (1 << 16)); id != 0 {
			return id
		}
	}
}

func (c *Client) onPacket(conn *clientConn, p packet.Generic) {
	switch pt := p.(type) {
	case *packet.Publish:
		c.onPublish(pt)
	case *packet.Puback:
		c.onPuback(pt.ID)
	default:
		c.opt.Log.Debugf("unknown packet %s", PacketString(p))
	}
}

func (c *Client) onPublish(publish *packet.Publish) {
	// call callback for unacknowledged and directly acknowledged messages
	if publish.Message.QOS <= packet.QOSAtLeastOnce {
		err := c.opt.OnMessage(&publish.Message)
		if err != nil {
			c.opt.Log.Errorf("onMessage topic=%s payload=%x err=%v", publish.Message.Topic, publish.Message.Payload, err)
			_ = c.disconnect(err)
			return
		}
	}

	if publish.Message.QOS == packet.QOSAtLeastOnce {
		puback := packet.NewPuback()
		puback.ID = publish.ID
		err := c.send(puback)
		if err != nil {
			_ = c.disconnect(err)
			return
		}
	}

	if publish.Message.QOS == packet.QOSExactlyOnce {
		c.opt.Log.Errorf("QOS2 not supported topic=%s", publish.Message.Topic)
	}
}

func (c *Client) onPuback(id packet.ID) {
	fu := c.inflightRemove(id)
	if fu == nil {
		c.opt.Log.Errorf("unexpected PUBACK id=%d", id)
		return
	}
	fu.Complete(id)
}

func (c *Client) send(pkt packet.Generic) error {
	if cc := c.clientConn(true); cc != nil {
		return cc.send(pkt)
	}
	return ErrClientClosing
}

func (c *Client) worker() {
	defer c.alive.Done()
	stopch := c.alive.StopChan()
	for {
		cc := c.clientConn(true)
		if cc == nil {
			return
		}
		select {
		case <-cc.alive.WaitChan():

		case <-stopch:
			_ = cc.die(ErrClientClosing)
			return
		}

		c.opt.Log.Debugf("wait ReconnectDelay=%v", c.opt.ReconnectDelay)
		select {
		case <-time.After(c.opt.ReconnectDelay):

		case <-stopch:
			_ = cc.die(ErrClientClosing)
			return
		}
	}
}

// Single client connection. `transport.Conn` with CONNECT, SUBSCRIBE and pings.
// - observe connected and subscribed events via futures
// - state is set once at creation, except transport.Conn which requires blocking Dial
// - subscribe once right after connect
type clientConn struct {
	alive  *alive.Alive
	closed uint32
	confu  *future.Future
	conn   atomic.Value // transport.Conn
	opt    ClientOptions
	pingat *atomic_clock.Clock // timestamp of last outgoing control packet
	pongat *atomic_clock.Clock // timestamp of last incoming control packet
	subfu  *future.Future
	subpkt *packet.Subscribe
	sendmu sync.Mutex
}

func newClientConn(opt ClientOptions, subpkt *packet.Subscribe) *clientConn {
	cc := &clientConn{
		alive:  alive.NewAlive(),
		confu:  future.New(),
		opt:    opt,
		pingat: atomic_clock.Now(),
		pongat: atomic_clock.Now(),
		subfu:  future.New(),
		subpkt: subpkt,
	}
	cc.alive.Add(1)
	go cc.connect()
	return cc
}

func (cc *clientConn) die(e error) error {
	if e == nil {
		e = ErrClientClosing
	}
	if !atomic.CompareAndSwapUint32(&cc.closed, 0, 1) {
		return e
	}
	cc.alive.Stop()
	cc.confu.Cancel(e)
	cc.subfu.Cancel(e)
	if conn := cc.getConn(); conn != nil {
		_ = conn.Close()
	}
	if cc.opt.ondie != nil {
		cc.opt.ondie(e)
	}
	return e
}

func (cc *clientConn) getConn() transport.Conn {
	if x := cc.conn.Load(); x != nil {
		return x.(transport.Conn)
	}
	return nil
}

// dial, send CONNECT, wait CONNACK, start pinger and reader
func (cc *clientConn) connect() {
	defer cc.alive.Done()

	conn, err := cc.opt.dialer.Dial(cc.opt.BrokerURL)
	if err != nil {
		_ = cc.die(errors.Annotatef(err, "connect: dial broker=%s", cc.opt.BrokerURL))
		return
	}
	cc.conn.Store(conn)
	if !cc.alive.IsRunning() {
		_ = conn.Close()
		return
	}
	if err = cc.send(cc.opt.conpkt); err != nil {
		return
	}

	{ // expect CONNACK
		conn.SetReadTimeout(cc.opt.NetworkTimeout)
		pkt, err := conn.Receive()
		if err != nil {
			err = errors.Annotate(err, "connect: expect CONNACK")
			_ = cc.die(err)
			return
		}
		connack, ok := pkt.(*packet.Connack)
		if !ok {
			err = errors.Annotatef(client.ErrClientExpectedConnack, "connect: server error pkt=%s", PacketString(pkt))
			_ = cc.die(err)
			return
		}
		cc.opt.Log.Debugf("CONNACK=%s", connack.String())
		// return connection denied error and close connection if not accepted
		if connack.ReturnCode != packet.ConnectionAccepted {
			err = errors.Annotate(client.ErrClientConnectionDenied, connack.ReturnCode.String())
			_ = cc.die(err)
			return
		}
		cc.confu.Complete(true)
		conn.SetReadTimeout(0)
	}

	if !cc.alive.Add(3) {
		_ = cc.die(context.Canceled)
		return
	}
	cc.pongat.SetNow()
	go cc.pinger()
	go cc.reader()
	go cc.subscriber()
}

func (cc *clientConn) onSuback(suback *packet.Suback) {
	if cc.subpkt == nil || suback.ID != cc.subpkt.ID {
		err := errors.Annotatef(client.ErrFailedSubscription, "unexpected SUBACK id=%d", suback.ID)
		_ = cc.die(err)
		return
	}
	for _, code := range suback.ReturnCodes {
		if code == packet.QOSFailure {
			_ = cc.die(client.ErrFailedSubscription)
			return
		}
	}
	cc.subfu.Complete(true)
}

// Sends ping packets to keep the connection alive.
// PINGREQ is only sent if Keepalive-NetworkTimeout has passed since last command.
func (cc *clientConn) pinger() {
	defer cc.alive.Done()
	if cc.opt.KeepaliveSec == 0 {
		return
	}

	// [MQTT-3.1.2-24] basically says control packets must arrive at most KeepaliveSec*1.5 apart.
	keepalive := keepaliveAndHalf(cc.opt.KeepaliveSec)
	// Try to send PINGREQ as late as possible to keep network traffic to minimum while respecting possible network issues.
	interval := keepalive - cc.opt.NetworkTimeout
	if interval <= 0 {
		interval = keepalive / 2
	}
	stopch := cc.alive.StopChan()
	for cc.alive.IsRunning() {
		now := atomic_clock.Now()
		window := now.Sub(cc.pingat)
		sincePong := now.Sub(cc.pongat)

		if window < interval {
			select {
			case <-time.After(interval - window):
				continue

			case <-stopch:
				return
			}
		}
		if err := cc.send(packet.NewPingreq()); err != nil {
			return
		}

		if sincePong > keepalive {
			_ = cc.die(client.ErrClientMissingPong)
			return
		}
	}
}

func (cc *clientConn) reader() {
	defer cc.alive.Done()

	conn := cc.getConn()
	for {
		// get next packet from connection
		pkt, err := conn.Receive()
		if !cc.alive.IsRunning() {
			return
		}
		switch err {
		case nil: // success path

		case io.EOF: // server closed connection
			cc.opt.Log.Errorf("mqtt server closed connection broker=%s", cc.opt.BrokerURL)
			_ = cc.die(nil)
			return

		default:
			_ = cc.die(errors.Annotate(err, "receive"))
			return
		}
		cc.opt.Log.Debugf("received=%s", PacketString(pkt))

		switch pt := pkt.(type) {
		case *packet.Connack:
			_ = cc.die(errors.Errorf("server error duplicate CONNACK pkt=%s", PacketString(pkt)))
			return

		case *packet.Pingresp:
			cc.pongat.SetNow()

		case *packet.Suback:
			cc.pongat.SetNow()
			cc.onSuback(pt)

		default:
			cc.pongat.SetNow()
			cc.opt.onpacket(cc, pkt)
		}
	}
}

func (cc *clientConn) send(p packet.Generic) error {
	if cc == nil {
		return client.ErrClientNotConnected
	}
	conn := cc.getConn()
	if conn == nil {
		return client.ErrClientNotConnected
	}
	cc.sendmu.Lock()
	err := conn.Send(p, false)
	cc.sendmu.Unlock()
	if err != nil {
		err = errors.Annotatef(err, "send %s", p.Type().String())
		return cc.die(err)
	}
	cc.pingat.SetNow()
	cc.opt.Log.Debugf("sent %s", PacketString(p))
	return nil
}

func (cc *clientConn) subscriber() {
	defer cc.alive.Done()
	if cc.subpkt == nil {
		cc.subfu.Complete(true)
		return
	}

	if err := cc.send(cc.subpkt); err != nil {
		return
	}

	if cc.subfu.Wait(cc.opt.NetworkTimeout) == future.ErrTimeout {
		_ = cc.die(errors.Timeoutf("subscribe"))
	}
}

// Returns, in this order:
// - ErrClosing if clientConn is in final invalid state
// - nil if connected and subscribed within context limit
// - context.Canceled if context canceled/expired before successful connection
func (cc *clientConn) waitReady(ctx context.Context) error {
	if cc == nil {
		return ErrClientClosing
	}

	pollInterval := 100 * time.Millisecond
	if deadline, ok := ctx.Deadline(); ok {
		if timeout := -time.Since(deadline); timeout > 0 && timeout < pollInterval {
			pollInterval = timeout
		} else if timeout <= 0 {
			pollInterval = 1
		}
	}

	donech := ctx.Done()
	for {
		if !cc.alive.IsRunning() {
			return ErrClientClosing
		}
		connected, _ := cc.confu.Result().(bool)
		subscribed, _ := cc.subfu.Result().(bool)
		if connected && subscribed {
			return nil
		}

		select {
		case <-time.After(pollInterval):

		case <-donech:
			return context.Canceled
		}
	}
}
