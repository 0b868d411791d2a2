package replay

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"hawk-auth-gateway/pkg/models"
)

const (
	nonceKeyPrefix = "nonce:"
	seenKeyPrefix  = "seen:"
)

// LevelDBPersistence stores nonces in LevelDB.
//
// Each nonce has two keys: "nonce:<key id>\x00<nonce>" holding the time it
// was seen, and "seen:<unix nanos>:<key id>\x00<nonce>" ordering nonces by time
// for range scans.
type LevelDBPersistence struct {
	db *leveldb.DB
}

var _ Persistence = (*LevelDBPersistence)(nil)

// OpenLevelDB opens or creates the nonce database at path.
func OpenLevelDB(path string) (*LevelDBPersistence, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("leveldb nonce path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve leveldb nonce path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb nonce store: %w", err)
	}
	return &LevelDBPersistence{db: db}, nil
}

// Close releases the database.
func (p *LevelDBPersistence) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

// EnsureNonce stores record unless its nonce is already known for the key.
func (p *LevelDBPersistence) EnsureNonce(_ context.Context, record models.SeenNonce) (bool, error) {
	if p == nil || p.db == nil {
		return false, fmt.Errorf("leveldb persistence not configured")
	}
	if record.KeyID == "" || record.Nonce == "" {
		return false, fmt.Errorf("nonce record incomplete")
	}
	seen := record.SeenAt.UTC()
	if seen.IsZero() {
		seen = time.Now().UTC()
	}
	composite := compositeKey(record.KeyID, record.Nonce)
	nonceKey := []byte(nonceKeyPrefix + composite)

	_, err := p.db.Get(nonceKey, nil)
	switch {
	case err == nil:
		return true, nil
	case !errors.Is(err, leveldb.ErrNotFound):
		return false, fmt.Errorf("load nonce: %w", err)
	}

	nanos := seen.UnixNano()
	batch := new(leveldb.Batch)
	batch.Put(nonceKey, encodeUnixNano(nanos))
	batch.Put([]byte(seenKey(nanos, composite)), nil)
	if err := p.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("record nonce: %w", err)
	}
	return false, nil
}

// RecentNonces returns nonces seen at or after cutoff, oldest first.
func (p *LevelDBPersistence) RecentNonces(ctx context.Context, cutoff time.Time) ([]models.SeenNonce, error) {
	if p == nil || p.db == nil {
		return nil, fmt.Errorf("leveldb persistence not configured")
	}
	iter := p.db.NewIterator(util.BytesPrefix([]byte(seenKeyPrefix)), nil)
	defer iter.Release()

	records := make([]models.SeenNonce, 0)
	for ok := iter.Seek([]byte(seenKey(cutoff.UnixNano(), ""))); ok; ok = iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		composite, nanos, ok := parseSeenKey(iter.Key())
		if !ok {
			continue
		}
		keyID, nonce, ok := splitComposite(composite)
		if !ok {
			continue
		}
		records = append(records, models.SeenNonce{
			KeyID:  keyID,
			Nonce:  nonce,
			SeenAt: time.Unix(0, nanos).UTC(),
		})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate seen nonces: %w", err)
	}
	return records, nil
}

// PruneNonces deletes nonces seen before cutoff.
func (p *LevelDBPersistence) PruneNonces(ctx context.Context, cutoff time.Time) error {
	if p == nil || p.db == nil {
		return fmt.Errorf("leveldb persistence not configured")
	}
	cutoffKey := []byte(seenKey(cutoff.UnixNano(), ""))
	iter := p.db.NewIterator(util.BytesPrefix([]byte(seenKeyPrefix)), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if bytes.Compare(iter.Key(), cutoffKey) >= 0 {
			break
		}
		composite, _, ok := parseSeenKey(iter.Key())
		if !ok {
			continue
		}
		batch.Delete(append([]byte(nil), iter.Key()...))
		batch.Delete([]byte(nonceKeyPrefix + composite))
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("iterate seen nonces: %w", err)
	}
	if batch.Len() > 0 {
		if err := p.db.Write(batch, nil); err != nil {
			return fmt.Errorf("prune nonces: %w", err)
		}
	}
	return nil
}

func seenKey(nanos int64, composite string) string {
	return fmt.Sprintf("%s%020d:%s", seenKeyPrefix, nanos, composite)
}

func parseSeenKey(key []byte) (string, int64, bool) {
	parts := strings.SplitN(string(key), ":", 3)
	if len(parts) != 3 {
		return "", 0, false
	}
	nanos, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return parts[2], nanos, true
}

func encodeUnixNano(nanos int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(nanos))
	return buf
}
