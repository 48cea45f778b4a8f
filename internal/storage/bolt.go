package storage

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/cockroachdb/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/lk2023060901/warp-hub-go/internal/json"
	"github.com/lk2023060901/warp-hub-go/internal/types"
	"github.com/lk2023060901/warp-hub-go/internal/userdata"
	"github.com/lk2023060901/warp-hub-go/pkg/util/merr"
)

var (
	usersBucket     = []byte("users")
	nicknamesBucket = []byte("nicknames")
	spoolBucket     = []byte("spool")
)

// Bolt 基于 bbolt 的单文件存储。
// users: uin -> JSON 记录；nicknames: folded -> uin；spool/<uin>: 序号 -> 原始字节。
type Bolt struct {
	db *bolt.DB
}

// OpenBolt 打开数据库文件，文件锁被占用时按退避重试。
func OpenBolt(ctx context.Context, path string, attempts int) (*Bolt, error) {
	if path == "" {
		return nil, merr.WrapErrParameterMissing("storage.boltPath")
	}
	var db *bolt.DB
	err := connect(ctx, "bolt:"+path, attempts, func() error {
		var err error
		db, err = bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
		return err
	})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{usersBucket, nicknamesBucket, spoolBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, merr.WrapErrIoFailed(path, err)
	}
	return &Bolt{db: db}, nil
}

func uinKey(uin types.UIN) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(uin))
	return k
}

func idKey(id uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, id)
	return k
}

func getRecord(tx *bolt.Tx, key []byte) (*userdata.Record, error) {
	data := tx.Bucket(usersBucket).Get(key)
	if data == nil {
		return nil, nil
	}
	var rec userdata.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrap(err, "decode user record")
	}
	return &rec, nil
}

func (b *Bolt) GetByUIN(_ context.Context, uin types.UIN) (*userdata.Record, error) {
	var rec *userdata.Record
	err := b.db.View(func(tx *bolt.Tx) error {
		var err error
		rec, err = getRecord(tx, uinKey(uin))
		return err
	})
	if err != nil {
		return nil, merr.WrapErrIoFailed(uin.String(), err)
	}
	if rec == nil {
		return nil, merr.WrapErrUserNotFound(uin)
	}
	return rec, nil
}

func (b *Bolt) GetByNickname(_ context.Context, folded string) (*userdata.Record, error) {
	var rec *userdata.Record
	err := b.db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket(nicknamesBucket).Get([]byte(folded))
		if key == nil {
			return nil
		}
		var err error
		rec, err = getRecord(tx, key)
		return err
	})
	if err != nil {
		return nil, merr.WrapErrIoFailed(folded, err)
	}
	if rec == nil {
		return nil, merr.WrapErrUserNotFound(folded)
	}
	return rec, nil
}

func (b *Bolt) Create(_ context.Context, rec *userdata.Record) error {
	rec.Folded = userdata.Fold(rec.Nickname)
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encode user record")
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		users, nicks := tx.Bucket(usersBucket), tx.Bucket(nicknamesBucket)
		key := uinKey(rec.UIN)
		if users.Get(key) != nil {
			return merr.WrapErrDuplicateUIN(rec.UIN)
		}
		if nicks.Get([]byte(rec.Folded)) != nil {
			return merr.WrapErrDuplicateNickname(rec.Nickname)
		}
		if err := users.Put(key, data); err != nil {
			return err
		}
		return nicks.Put([]byte(rec.Folded), key)
	})
}

func (b *Bolt) Update(_ context.Context, rec *userdata.Record) error {
	rec.Folded = userdata.Fold(rec.Nickname)
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encode user record")
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		key := uinKey(rec.UIN)
		old, err := getRecord(tx, key)
		if err != nil {
			return err
		}
		if old == nil {
			return merr.WrapErrUserNotFound(rec.UIN)
		}
		nicks := tx.Bucket(nicknamesBucket)
		if old.Folded != rec.Folded {
			if nicks.Get([]byte(rec.Folded)) != nil {
				return merr.WrapErrDuplicateNickname(rec.Nickname)
			}
			if err := nicks.Delete([]byte(old.Folded)); err != nil {
				return err
			}
			if err := nicks.Put([]byte(rec.Folded), key); err != nil {
				return err
			}
		}
		return tx.Bucket(usersBucket).Put(key, data)
	})
}

// Append 写入一条离线消息，ID 取自每个 UIN 子桶的 NextSequence。
func (b *Bolt) Append(_ context.Context, uin types.UIN, data []byte) (uint64, error) {
	var id uint64
	err := b.db.Update(func(tx *bolt.Tx) error {
		box, err := tx.Bucket(spoolBucket).CreateBucketIfNotExists(uinKey(uin))
		if err != nil {
			return err
		}
		if id, err = box.NextSequence(); err != nil {
			return err
		}
		return box.Put(idKey(id), data)
	})
	if err != nil {
		return 0, merr.WrapErrSpoolFailed(uin, err)
	}
	return id, nil
}

func (b *Bolt) List(_ context.Context, uin types.UIN) ([]SpoolEntry, error) {
	var entries []SpoolEntry
	err := b.db.View(func(tx *bolt.Tx) error {
		box := tx.Bucket(spoolBucket).Bucket(uinKey(uin))
		if box == nil {
			return nil
		}
		return box.ForEach(func(k, v []byte) error {
			entries = append(entries, SpoolEntry{
				ID:   binary.BigEndian.Uint64(k),
				Data: append([]byte(nil), v...),
			})
			return nil
		})
	})
	if err != nil {
		return nil, merr.WrapErrSpoolFailed(uin, err)
	}
	return entries, nil
}

// Delete 删除一条离线消息。子桶保留以维持序号单调。
func (b *Bolt) Delete(_ context.Context, uin types.UIN, id uint64) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		box := tx.Bucket(spoolBucket).Bucket(uinKey(uin))
		if box == nil {
			return nil
		}
		return box.Delete(idKey(id))
	})
	return merr.WrapErrSpoolFailed(uin, err)
}

func (b *Bolt) Close() error {
	return b.db.Close()
}
