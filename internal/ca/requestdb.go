package ca

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketRequests = []byte("requests")
	bucketBySerial = []byte("by-serial")
)

// RequestArchive stores raw enrollment payloads keyed by transaction id,
// with a reverse index from certificate serial to transaction.
type RequestArchive struct {
	db *bolt.DB
}

type archivedRequest struct {
	TransactionID string    `json:"tid"`
	ReceivedAt    time.Time `json:"receivedAt"`
	Payload       []byte    `json:"payload"`
	Serials       []string  `json:"serials"`
}

// OpenRequestArchive opens (or creates) the archive at path.
func OpenRequestArchive(path string) (*RequestArchive, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening request archive: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketRequests); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketBySerial)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing request archive: %w", err)
	}
	return &RequestArchive{db: db}, nil
}

// Close releases the underlying database.
func (a *RequestArchive) Close() error {
	return a.db.Close()
}

// Save stores one request payload and indexes the serials it produced.
func (a *RequestArchive) Save(tid string, payload []byte, serials []*big.Int) error {
	rec := archivedRequest{
		TransactionID: tid,
		ReceivedAt:    time.Now().UTC(),
		Payload:       payload,
	}
	for _, s := range serials {
		rec.Serials = append(rec.Serials, s.Text(16))
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding archived request: %w", err)
	}

	return a.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketRequests).Put([]byte(tid), data); err != nil {
			return err
		}
		idx := tx.Bucket(bucketBySerial)
		for _, s := range rec.Serials {
			if err := idx.Put([]byte(s), []byte(tid)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Get returns the payload archived under a transaction id, or nil.
func (a *RequestArchive) Get(tid string) ([]byte, error) {
	var payload []byte
	err := a.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRequests).Get([]byte(tid))
		if data == nil {
			return nil
		}
		var rec archivedRequest
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("decoding archived request: %w", err)
		}
		payload = rec.Payload
		return nil
	})
	return payload, err
}

// TransactionForSerial returns the transaction id that produced a serial,
// or "" when the serial is not indexed.
func (a *RequestArchive) TransactionForSerial(serial *big.Int) (string, error) {
	var tid string
	err := a.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketBySerial).Get([]byte(serial.Text(16))); v != nil {
			tid = string(v)
		}
		return nil
	})
	return tid, err
}
