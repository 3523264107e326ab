package pairing

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ClientRecord is one paired client, as named in spec.md §3.
type ClientRecord struct {
	ClientID  string
	PublicKey ed25519.PublicKey
	Name      string
	LastSeen  time.Time
	Blocked   bool
}

// Keystore is an append-only, length-prefixed record log with a
// per-record CRC32, read tolerant of trailing corruption the way a
// record log written to durable storage without fsync-per-write can
// end up. Grounded on the host's length-prefixed framing idiom, here
// applied to a file instead of a socket.
type Keystore struct {
	mu      sync.Mutex
	path    string
	records map[string]*ClientRecord
}

// OpenKeystore loads every well-formed record from path, truncating at
// the first corrupt or incomplete record instead of failing outright —
// a partially-written final record from a crash mid-append should not
// lose every record before it.
func OpenKeystore(path string) (*Keystore, error) {
	ks := &Keystore{path: path, records: make(map[string]*ClientRecord)}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ks, nil
		}
		return nil, fmt.Errorf("pairing: open keystore: %w", err)
	}
	defer f.Close()

	var good int64 // offset just past the last well-formed record
	for {
		rec, err := readRecord(f)
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Warn("keystore: stopping at corrupt or truncated record", "path", path, "error", err)
			break
		}
		ks.records[rec.ClientID] = rec
		if good, err = f.Seek(0, io.SeekCurrent); err != nil {
			return nil, fmt.Errorf("pairing: keystore offset: %w", err)
		}
	}
	if fi, err := f.Stat(); err == nil && fi.Size() > good {
		if err := os.Truncate(path, good); err != nil {
			return nil, fmt.Errorf("pairing: truncate keystore: %w", err)
		}
	}
	return ks, nil
}

// Get returns the record for clientID, if paired.
func (ks *Keystore) Get(clientID string) (*ClientRecord, bool) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	rec, ok := ks.records[clientID]
	return rec, ok
}

// Put stores or updates a client record and appends it to disk.
func (ks *Keystore) Put(rec ClientRecord) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(ks.path), 0700); err != nil {
		return fmt.Errorf("pairing: mkdir keystore dir: %w", err)
	}
	f, err := os.OpenFile(ks.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("pairing: open keystore for append: %w", err)
	}
	defer f.Close()

	if err := writeRecord(f, rec); err != nil {
		return err
	}
	stored := rec
	ks.records[rec.ClientID] = &stored
	return nil
}

// All returns a snapshot of every stored record.
func (ks *Keystore) All() []ClientRecord {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	out := make([]ClientRecord, 0, len(ks.records))
	for _, rec := range ks.records {
		out = append(out, *rec)
	}
	return out
}

// record wire format: [len uint32 BE][crc32 uint32 BE][body].
// body: [clientIDLen u8][clientID][pubKey 32 bytes][nameLen u8][name][lastSeen int64][blocked u8]
func writeRecord(w io.Writer, rec ClientRecord) error {
	var body bytes.Buffer
	body.WriteByte(byte(len(rec.ClientID)))
	body.WriteString(rec.ClientID)
	var pub [ed25519.PublicKeySize]byte
	copy(pub[:], rec.PublicKey)
	body.Write(pub[:])
	body.WriteByte(byte(len(rec.Name)))
	body.WriteString(rec.Name)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(rec.LastSeen.Unix()))
	body.Write(ts[:])
	if rec.Blocked {
		body.WriteByte(1)
	} else {
		body.WriteByte(0)
	}

	crc := crc32.ChecksumIEEE(body.Bytes())
	var header [8]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(body.Len()))
	binary.BigEndian.PutUint32(header[4:8], crc)

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("pairing: write keystore header: %w", err)
	}
	if _, err := w.Write(body.Bytes()); err != nil {
		return fmt.Errorf("pairing: write keystore body: %w", err)
	}
	return nil
}

func readRecord(r io.Reader) (*ClientRecord, error) {
	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[0:4])
	wantCRC := binary.BigEndian.Uint32(header[4:8])
	if length == 0 || length > 4096 {
		return nil, fmt.Errorf("pairing: keystore record length %d out of range", length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, io.ErrUnexpectedEOF
	}
	if crc32.ChecksumIEEE(body) != wantCRC {
		return nil, fmt.Errorf("pairing: keystore record crc mismatch")
	}

	buf := bytes.NewReader(body)
	clientIDLen, _ := buf.ReadByte()
	clientIDBytes := make([]byte, clientIDLen)
	if _, err := io.ReadFull(buf, clientIDBytes); err != nil {
		return nil, err
	}
	var pub [ed25519.PublicKeySize]byte
	if _, err := io.ReadFull(buf, pub[:]); err != nil {
		return nil, err
	}
	nameLen, _ := buf.ReadByte()
	nameBytes := make([]byte, nameLen)
	if _, err := io.ReadFull(buf, nameBytes); err != nil {
		return nil, err
	}
	var ts [8]byte
	if _, err := io.ReadFull(buf, ts[:]); err != nil {
		return nil, err
	}
	blockedByte, err := buf.ReadByte()
	if err != nil {
		return nil, err
	}

	return &ClientRecord{
		ClientID:  string(clientIDBytes),
		PublicKey: append(ed25519.PublicKey{}, pub[:]...),
		Name:      string(nameBytes),
		LastSeen:  time.Unix(int64(binary.BigEndian.Uint64(ts[:])), 0),
		Blocked:   blockedByte == 1,
	}, nil
}
