// Package storage is durable ordered event queue with pack semantics.
// Multiple producers Put, single consumer drains with PeekPack and CommitPack.
// Failed pack is not committed and stays at the head, next PeekPack returns it again.
//
// Layout is the same as github.com/temoto/spq: leveldb keys are
// 4 byte prefix + big endian uint64 sequence, values are opaque bytes.
package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/juju/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	ldbstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	ErrClosed     = fmt.Errorf("storage is closed")
	ErrFull       = fmt.Errorf("storage is full")
	ErrInvalidKey = fmt.Errorf("storage key invalid")
	ErrNoPack     = fmt.Errorf("no pack peeked")
)

const keyPrefixLen = 4
const keyLen = keyPrefixLen + 8

var itemKeyPrefix = [keyPrefixLen]byte{'e', 'v', 'q', '1'}
var itemKeyLimit = [keyPrefixLen]byte{'e', 'v', 'q', '2'}

type Queue struct { //nolint:maligned
	db         *leveldb.DB
	dbROpt     opt.ReadOptions
	dbWOpt     opt.WriteOptions
	dbRangeAll *util.Range

	mu         sync.Mutex
	closed     bool
	count      int
	maxRecords int
	packSize   int
	next       uint64
	notifych   chan struct{}
	peeked     [][keyLen]byte
}

// Pack is a batch of serialized events from the queue head.
type Pack struct {
	Items [][]byte
	First uint64
	Last  uint64
}

func (p Pack) String() string {
	if len(p.Items) == 0 {
		return "pack(empty)"
	}
	return fmt.Sprintf("pack(%d-%d)", p.First, p.Last)
}

func Open(config Config) (*Queue, error) {
	q := &Queue{
		notifych: make(chan struct{}, 1),
		packSize: config.PackSize,
		dbROpt:   opt.ReadOptions{},
		dbWOpt: opt.WriteOptions{
			NoWriteMerge: true,
			Sync:         config.Type == TypeFile,
		},
		dbRangeAll: &util.Range{
			Start: itemKeyPrefix[:],
			Limit: itemKeyLimit[:],
		},
		maxRecords: config.MaxRecords,
	}
	if q.packSize <= 0 {
		q.packSize = DefaultPackSize
	}

	o := &opt.Options{
		BlockCacheCapacity:   -1,
		BlockRestartInterval: 1,
		BlockSize:            1 << 10,
		DisableBlockCache:    true,
		NoSync:               false,
		NoWriteMerge:         true,
		Strict:               opt.StrictJournalChecksum | opt.StrictBlockChecksum,
		WriteBuffer:          64 << 10,
	}
	var err error
	switch config.Type {
	case TypeMemory:
		if q.maxRecords == 0 {
			q.maxRecords = DefaultMemoryMaxRecords
		}
		q.db, err = leveldb.Open(ldbstorage.NewMemStorage(), o)
	case TypeFile:
		if config.Path == "" {
			return nil, errors.NotValidf("storage type=file path=empty")
		}
		q.db, err = leveldb.RecoverFile(config.Path, o)
	default:
		return nil, errors.NotValidf("storage type=%q", config.Type)
	}
	if err != nil {
		return nil, errors.Annotatef(err, "storage open type=%s path=%s", config.Type, config.Path)
	}
	if err = q.load(); err != nil {
		_ = q.db.Close()
		return nil, err
	}
	return q, nil
}

func (q *Queue) load() error {
	iter := q.db.NewIterator(q.dbRangeAll, &q.dbROpt)
	defer iter.Release()
	for iter.Next() {
		id, err := unkey(iter.Key())
		if err != nil {
			return errors.Annotatef(err, "storage load key=%x", iter.Key())
		}
		q.count++
		q.next = id
	}
	if err := iter.Error(); err != nil {
		return errors.Annotate(err, "storage load")
	}
	q.next++
	return nil
}

func (q *Queue) Close() error {
	var err error
	q.mu.Lock()
	if !q.closed {
		err = q.db.Close()
		q.closed = true
	}
	q.mu.Unlock()
	return err
}

// Put appends value to the tail. Safe for concurrent producers.
func (q *Queue) Put(value []byte) error {
	var key [keyLen]byte
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if q.maxRecords > 0 && q.count >= q.maxRecords {
		return ErrFull
	}
	encodeKey(key[:], q.next)
	if err := q.db.Put(key[:], value, &q.dbWOpt); err != nil {
		return errors.Annotate(err, "storage put")
	}
	q.next++
	q.count++
	signal(q.notifych)
	return nil
}

// PeekPack returns up to PackSize items from the head without removing them.
// Empty pack is not an error. Next CommitPack removes exactly these items.
func (q *Queue) PeekPack() (Pack, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.peeked = q.peeked[:0]
	if q.closed {
		return Pack{}, ErrClosed
	}

	var pack Pack
	iter := q.db.NewIterator(q.dbRangeAll, &q.dbROpt)
	defer iter.Release()
	for len(pack.Items) < q.packSize && iter.Next() {
		var key [keyLen]byte
		copy(key[:], iter.Key())
		id, err := unkey(key[:])
		if err != nil {
			q.peeked = q.peeked[:0]
			return Pack{}, errors.Annotatef(err, "storage peek key=%x", iter.Key())
		}
		v := iter.Value()
		value := make([]byte, len(v))
		copy(value, v)
		if len(pack.Items) == 0 {
			pack.First = id
		}
		pack.Last = id
		pack.Items = append(pack.Items, value)
		q.peeked = append(q.peeked, key)
	}
	if err := iter.Error(); err != nil {
		q.peeked = q.peeked[:0]
		return Pack{}, errors.Annotate(err, "storage peek")
	}
	return pack, nil
}

// CommitPack atomically removes items returned by last PeekPack.
func (q *Queue) CommitPack() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if len(q.peeked) == 0 {
		return ErrNoPack
	}
	b := leveldb.Batch{}
	for i := range q.peeked {
		b.Delete(q.peeked[i][:])
	}
	if err := q.db.Write(&b, &q.dbWOpt); err != nil {
		return errors.Annotate(err, "storage commit")
	}
	q.count -= len(q.peeked)
	q.peeked = q.peeked[:0]
	return nil
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Notify receives a signal after Put, use to wake consumer from idle sleep.
func (q *Queue) Notify() <-chan struct{} { return q.notifych }

func encodeKey(key []byte, id uint64) {
	copy(key, itemKeyPrefix[:])
	binary.BigEndian.PutUint64(key[keyPrefixLen:], id)
}

func unkey(key []byte) (uint64, error) {
	if len(key) != keyLen {
		return 0, ErrInvalidKey
	}
	if !bytes.Equal(key[:keyPrefixLen], itemKeyPrefix[:]) {
		return 0, ErrInvalidKey
	}
	return binary.BigEndian.Uint64(key[keyPrefixLen:]), nil
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
