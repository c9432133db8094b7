// Package integrity seals access log entries into a per-tenant hash chain
// and verifies stored chains.
//
// Each entry hash is a keyed BLAKE3 digest over the CBOR core-deterministic
// encoding of the entry followed by the previous entry's hash. Keys are
// derived per tenant from a single master key with HKDF-SHA256, so one
// tenant's chain cannot be forged from another's.
package integrity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/hkdf"

	"github.com/aryan0dhankhar/facilityaccess/internal/domain"
)

const keyInfoPrefix = "access-log-chain:"

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("integrity: CBOR encoder initialization failed: " + err.Error())
	}
}

// sealedFields is the canonical form hashed for an entry. Metadata is
// carried as JSON so values survive a storage round trip byte-for-byte.
type sealedFields struct {
	ID         string `cbor:"1,keyasint"`
	TenantID   string `cbor:"2,keyasint"`
	Seq        int64  `cbor:"3,keyasint"`
	DoorID     string `cbor:"4,keyasint"`
	UserID     string `cbor:"5,keyasint"`
	Result     string `cbor:"6,keyasint"`
	DenyReason string `cbor:"7,keyasint"`
	Method     string `cbor:"8,keyasint"`
	TimeMs     int64  `cbor:"9,keyasint"`
	IPAddress  string `cbor:"10,keyasint"`
	Metadata   []byte `cbor:"11,keyasint"`
}

// Sealer computes chain hashes.
type Sealer struct {
	master []byte
}

// NewSealer returns a sealer for the given master key (at least 32 bytes).
func NewSealer(masterKey []byte) (*Sealer, error) {
	if len(masterKey) < 32 {
		return nil, fmt.Errorf("audit chain key must be at least 32 bytes, got %d", len(masterKey))
	}
	return &Sealer{master: append([]byte(nil), masterKey...)}, nil
}

func (s *Sealer) tenantKey(tenantID string) ([]byte, error) {
	r := hkdf.New(sha256.New, s.master, nil, []byte(keyInfoPrefix+tenantID))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive tenant key: %w", err)
	}
	return key, nil
}

// Seal returns the hex hash of e linked to e.PrevHash. Seq and PrevHash must
// already be assigned.
func (s *Sealer) Seal(e *domain.AccessLogEntry) (string, error) {
	var meta []byte
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return "", fmt.Errorf("encode metadata: %w", err)
		}
		meta = b
	}
	enc, err := encMode.Marshal(sealedFields{
		ID:         e.ID,
		TenantID:   e.TenantID,
		Seq:        e.Seq,
		DoorID:     e.DoorID,
		UserID:     e.UserID,
		Result:     string(e.Result),
		DenyReason: e.DenyReason,
		Method:     string(e.Method),
		TimeMs:     e.Timestamp.UnixMilli(),
		IPAddress:  e.IPAddress,
		Metadata:   meta,
	})
	if err != nil {
		return "", fmt.Errorf("encode entry: %w", err)
	}

	prev, err := hex.DecodeString(e.PrevHash)
	if err != nil {
		return "", fmt.Errorf("decode previous hash: %w", err)
	}

	key, err := s.tenantKey(e.TenantID)
	if err != nil {
		return "", err
	}
	h, err := blake3.NewKeyed(key)
	if err != nil {
		return "", fmt.Errorf("init keyed hash: %w", err)
	}
	h.Write(enc)
	h.Write(prev)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ChainSource reads a tenant's stored chain.
type ChainSource interface {
	Walk(ctx context.Context, tenantID string, fromSeq int64, fn func(domain.AccessLogEntry) error) error
	Head(ctx context.Context, tenantID string) (domain.ChainHead, error)
}

// Report is the outcome of a chain verification.
type Report struct {
	TenantID string `json:"tenantId"`
	Checked  int    `json:"checked"`
	FirstSeq int64  `json:"firstSeq"`
	LastSeq  int64  `json:"lastSeq"`
	Intact   bool   `json:"intact"`
	BrokenAt int64  `json:"brokenAt,omitempty"`
	Problem  string `json:"problem,omitempty"`
}

var errStop = errors.New("stop walk")

// Verify recomputes every stored hash of the tenant's chain. The oldest
// surviving entry anchors the chain, since retention may have pruned its
// predecessors.
func (s *Sealer) Verify(ctx context.Context, src ChainSource, tenantID string) (*Report, error) {
	rep := &Report{TenantID: tenantID, Intact: true}
	var prev *domain.AccessLogEntry

	broken := func(seq int64, format string, args ...any) error {
		rep.Intact = false
		rep.BrokenAt = seq
		rep.Problem = fmt.Sprintf(format, args...)
		return errStop
	}

	err := src.Walk(ctx, tenantID, 0, func(e domain.AccessLogEntry) error {
		if prev == nil {
			rep.FirstSeq = e.Seq
			if e.Seq == 1 && e.PrevHash != "" {
				return broken(e.Seq, "first entry links to a predecessor")
			}
		} else {
			if e.Seq != prev.Seq+1 {
				return broken(prev.Seq+1, "missing entry: expected seq %d, found %d", prev.Seq+1, e.Seq)
			}
			if e.PrevHash != prev.Hash {
				return broken(e.Seq, "previous hash does not match entry %d", prev.Seq)
			}
		}
		want, err := s.Seal(&e)
		if err != nil {
			return broken(e.Seq, "cannot recompute hash: %v", err)
		}
		if want != e.Hash {
			return broken(e.Seq, "entry content does not match its hash")
		}
		rep.Checked++
		rep.LastSeq = e.Seq
		cur := e
		prev = &cur
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return nil, fmt.Errorf("walk chain: %w", err)
	}
	if !rep.Intact || prev == nil {
		return rep, nil
	}

	head, err := src.Head(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("read chain head: %w", err)
	}
	if head.Seq != prev.Seq || head.Hash != prev.Hash {
		rep.Intact = false
		rep.BrokenAt = prev.Seq + 1
		rep.Problem = fmt.Sprintf("chain head at seq %d but newest entry is %d", head.Seq, prev.Seq)
	}
	return rep, nil
}
