// Package reclaim frees storage held by upload intents that were never finalized.
package reclaim

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"practice-ops/internal/models"
	"practice-ops/internal/storage"
)

// Outcome is the verdict of the guard chain for one intent.
type Outcome int

const (
	// Rejected means the key fails the integrity check; the object must not be touched.
	Rejected Outcome = iota
	// Recovered means an authoritative record already points at the key.
	Recovered
	// Expired means the object is already gone.
	Expired
	// SafeToDelete means every guard passed.
	SafeToDelete
)

func (o Outcome) String() string {
	switch o {
	case Rejected:
		return "rejected"
	case Recovered:
		return "recovered"
	case Expired:
		return "expired"
	case SafeToDelete:
		return "safe_to_delete"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Verdict carries the outcome plus what the deciding guard learned.
type Verdict struct {
	Outcome Outcome
	Reason  string
	Object  *storage.ObjectInfo
}

// Store is the persistence the reclaimer reads and writes.
type Store interface {
	ListReclaimableIntents(ctx context.Context, tenantID string, cutoff time.Time, take int) ([]models.UploadIntent, error)
	DocumentVersionHasKey(ctx context.Context, tenantID, documentID, key string) (bool, error)
	DocumentPointsAtKey(ctx context.Context, tenantID, documentID, key string) (bool, error)
	UpdateOpenIntent(ctx context.Context, tenantID, id string, u models.IntentUpdate) (bool, error)
}

// ObjectStore is the storage provider. HeadObject returns nil, nil for a missing key.
type ObjectStore interface {
	HeadObject(ctx context.Context, key string) (*storage.ObjectInfo, error)
	DeleteObject(ctx context.Context, key string) error
}

// DerivePrefix is the only key prefix an intent may own.
func DerivePrefix(in models.UploadIntent) string {
	return fmt.Sprintf("tenants/%s/cases/%s/documents/%s/v%d/", in.TenantID, in.CaseID, in.DocumentID, in.ExpectedVersion)
}

// guard returns decided=false to pass the intent to the next guard.
type guard func(ctx context.Context, in models.UploadIntent) (v Verdict, decided bool, err error)

// Chain runs the guards in order. The first guard to decide wins; if none does,
// the intent is SafeToDelete.
type Chain struct {
	guards []guard
}

// NewChain orders the guards so nothing is deleted before the key is proven to be
// ours and unreferenced.
func NewChain(store Store, objects ObjectStore) *Chain {
	return &Chain{guards: []guard{
		checkPrefix,
		checkPointers(store),
		checkExists(objects),
	}}
}

func (c *Chain) Evaluate(ctx context.Context, in models.UploadIntent) (Verdict, error) {
	var last Verdict
	for _, g := range c.guards {
		v, decided, err := g(ctx, in)
		if err != nil {
			return Verdict{}, err
		}
		if decided {
			return v, nil
		}
		if v.Object != nil {
			last.Object = v.Object
		}
	}
	return Verdict{Outcome: SafeToDelete, Object: last.Object}, nil
}

func checkPrefix(_ context.Context, in models.UploadIntent) (Verdict, bool, error) {
	if in.TenantID == "" || in.CaseID == "" || in.DocumentID == "" || in.ExpectedVersion < 1 {
		return Verdict{Outcome: Rejected, Reason: "intent is missing case, document or version"}, true, nil
	}
	prefix := DerivePrefix(in)
	if !strings.HasPrefix(in.Key, prefix) || len(in.Key) == len(prefix) {
		return Verdict{Outcome: Rejected, Reason: fmt.Sprintf("key prefix mismatch: expected %q", prefix)}, true, nil
	}
	for _, seg := range strings.Split(in.Key[len(prefix):], "/") {
		if seg == ".." || seg == "." {
			return Verdict{Outcome: Rejected, Reason: "key contains relative path segment"}, true, nil
		}
	}
	return Verdict{}, false, nil
}

func checkPointers(store Store) guard {
	return func(ctx context.Context, in models.UploadIntent) (Verdict, bool, error) {
		versioned, err := store.DocumentVersionHasKey(ctx, in.TenantID, in.DocumentID, in.Key)
		if err != nil {
			return Verdict{}, false, errors.Wrap(err, "check document versions")
		}
		if versioned {
			return Verdict{Outcome: Recovered, Reason: "document version references key"}, true, nil
		}
		current, err := store.DocumentPointsAtKey(ctx, in.TenantID, in.DocumentID, in.Key)
		if err != nil {
			return Verdict{}, false, errors.Wrap(err, "check document pointer")
		}
		if current {
			return Verdict{Outcome: Recovered, Reason: "document file pointer references key"}, true, nil
		}
		return Verdict{}, false, nil
	}
}

func checkExists(objects ObjectStore) guard {
	return func(ctx context.Context, in models.UploadIntent) (Verdict, bool, error) {
		info, err := objects.HeadObject(ctx, in.Key)
		if err != nil {
			return Verdict{}, false, errors.Wrap(err, "head object")
		}
		if info == nil {
			return Verdict{Outcome: Expired, Reason: "object not found"}, true, nil
		}
		return Verdict{Object: info}, false, nil
	}
}
