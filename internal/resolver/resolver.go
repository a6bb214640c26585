// Package resolver maps ImmutablePointer (an origin-specific URI) to and
// from a signed {blake3_root, originator} resolution record (component I).
// Records are kept in a durable key-value store with two column families —
// hash→pointers and pointer→hash — backed by go.etcd.io/bbolt, grounded on
// the embedded-KV pattern used elsewhere in the example corpus.
package resolver

import (
	"encoding/json"
	"errors"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/edgemesh/node/internal/broadcast"
	"github.com/edgemesh/node/internal/hashtree"
	"github.com/edgemesh/node/internal/identity"
	"github.com/edgemesh/node/pkg/utils"
)

// ImmutablePointer names content by an origin-specific URI, e.g.
// "https://example.com/video.mp4".
type ImmutablePointer string

// Record is a signed resolution binding a pointer to content.
type Record struct {
	Pointer    ImmutablePointer
	Root       hashtree.Hash
	Originator identity.NodePublicKey
	Signature  identity.NodeSignature
}

// digest is the byte sequence a Record's signature is taken over.
func (r Record) digest() []byte {
	buf := make([]byte, 0, len(r.Pointer)+len(r.Root)+len(r.Originator))
	buf = append(buf, []byte(r.Pointer)...)
	buf = append(buf, r.Root[:]...)
	buf = append(buf, r.Originator[:]...)
	return buf
}

// Verify reports whether the record's signature is valid for its fields.
func (r Record) Verify() bool {
	return r.Originator.Verify(r.digest(), r.Signature)
}

var (
	bucketHashToPointers = []byte("hash_to_pointers")
	bucketPointerToHash  = []byte("pointer_to_hash")
)

// Resolver is the durable pointer<->hash mapping plus its broadcast-backed
// publish path.
type Resolver struct {
	db         *bolt.DB
	self       identity.NodeSecretKey
	broadcast  *broadcast.Context
	publishTopic broadcast.Topic
}

// Open opens (creating if needed) the bbolt database at path and ensures
// both column families exist.
func Open(path string, self identity.NodeSecretKey, bc *broadcast.Context, publishTopic broadcast.Topic) (*Resolver, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, utils.Wrap(err, "open resolver store")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketHashToPointers); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketPointerToHash)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, utils.Wrap(err, "create resolver buckets")
	}
	return &Resolver{db: db, self: self, broadcast: bc, publishTopic: publishTopic}, nil
}

// Close releases the underlying database handle.
func (r *Resolver) Close() error { return r.db.Close() }

// Publish signs a resolution for pointer→root as this node, stores it
// locally in both column families, and broadcasts it on the dedicated
// resolver topic so other nodes learn the mapping.
func (r *Resolver) Publish(pointer ImmutablePointer, root hashtree.Hash) (Record, error) {
	rec := Record{Pointer: pointer, Root: root, Originator: r.self.PublicKey()}
	rec.Signature = r.self.Sign(rec.digest())

	if err := r.store(rec); err != nil {
		return Record{}, err
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return Record{}, utils.Wrap(err, "marshal resolution record")
	}
	msg, digest := broadcast.PrepareMessage(r.self.PublicKey(), r.publishTopic, payload, time.Now().UnixMilli())
	msg.Signature = r.self.Sign(digest[:])
	r.broadcast.Commands() <- broadcast.Command{Kind: broadcast.CommandSend, SendMessage: msg}
	return rec, nil
}

// Ingest is called by the node wiring when a Record is received over the
// resolver's broadcast topic from another node; it verifies and stores it.
func (r *Resolver) Ingest(payload []byte) error {
	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return utils.Wrap(err, "unmarshal resolution record")
	}
	if !rec.Verify() {
		return errInvalidSignature
	}
	return r.store(rec)
}

var errInvalidSignature = errors.New("resolver: resolution record signature invalid")

// GetBLAKE3Hash is a local-only lookup of the most recently stored root for
// pointer.
func (r *Resolver) GetBLAKE3Hash(pointer ImmutablePointer) (hashtree.Hash, bool, error) {
	var root hashtree.Hash
	var found bool
	err := r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPointerToHash)
		v := b.Get([]byte(pointer))
		if v == nil {
			return nil
		}
		copy(root[:], v)
		found = true
		return nil
	})
	if err != nil {
		return hashtree.Hash{}, false, utils.Wrap(err, "read pointer_to_hash")
	}
	return root, found, nil
}

// GetOrigins returns every known resolution for hash, deduplicated by
// pointer (the latest stored record per pointer wins).
func (r *Resolver) GetOrigins(hash hashtree.Hash) ([]Record, error) {
	var out []Record
	err := r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHashToPointers)
		prefix := hash[:]
		c := b.Cursor()
		seen := make(map[ImmutablePointer]bool)
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if seen[rec.Pointer] {
				continue
			}
			seen[rec.Pointer] = true
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, utils.Wrap(err, "read hash_to_pointers")
	}
	return out, nil
}

func (r *Resolver) store(rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return utils.Wrap(err, "marshal resolution record")
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketPointerToHash).Put([]byte(rec.Pointer), rec.Root[:]); err != nil {
			return err
		}
		key := append(append([]byte{}, rec.Root[:]...), []byte(rec.Pointer)...)
		return tx.Bucket(bucketHashToPointers).Put(key, payload)
	})
}

func hasPrefix(b, prefix []byte) bool {
	return len(b) >= len(prefix) && string(b[:len(prefix)]) == string(prefix)
}
