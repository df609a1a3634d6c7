// Package values implements prefill and submission of form values on top of
// the store, with field-level audit.
package values

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rennteam/pitwall/internal/apperr"
	"github.com/rennteam/pitwall/internal/forms"
	"github.com/rennteam/pitwall/internal/store"
)

const (
	maxFieldsPerSubmit  = 200
	maxFieldValueLength = 10000
)

// Prefill is the current state of a role's form for the UI.
type Prefill struct {
	Values         map[string]*string `json:"values"`
	Timestamps     map[string]float64 `json:"timestamps"`
	PreviousValues map[string]*string `json:"previous_values"`
}

// Service coordinates form submissions. A per-role mutex serializes submits
// so audit rows for one role are totally ordered.
type Service struct {
	db       *store.DB
	registry *forms.Registry
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	byRole  map[string]*sync.Mutex
}

// NewService creates a value service.
func NewService(db *store.DB, registry *forms.Registry, logger *zap.SugaredLogger) *Service {
	return &Service{
		db:       db,
		registry: registry,
		logger:   logger,
		byRole:   map[string]*sync.Mutex{},
	}
}

func (s *Service) roleMutex(role string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byRole[role]
	if !ok {
		m = &sync.Mutex{}
		s.byRole[role] = m
	}
	return m
}

// GetPrefill returns the stored values for a role. Timestamps are UNIX
// seconds; previous values are included only for lookback fields.
func (s *Service) GetPrefill(ctx context.Context, role string) (*Prefill, error) {
	schema := s.registry.Get(role)
	if schema == nil {
		return nil, apperr.New(apperr.NotFound, "form not found")
	}
	stored, err := s.db.ListValues(ctx, role)
	if err != nil {
		return nil, err
	}

	p := &Prefill{
		Values:         map[string]*string{},
		Timestamps:     map[string]float64{},
		PreviousValues: map[string]*string{},
	}
	for name, v := range stored {
		p.Values[name] = v.Value
		p.Timestamps[name] = float64(v.UpdatedAt.UnixNano()) / float64(time.Second)
	}
	for _, f := range schema.Fields {
		if !f.Lookback {
			continue
		}
		if v, ok := stored[f.Name]; ok {
			p.PreviousValues[f.Name] = v.PreviousValue
		} else {
			p.PreviousValues[f.Name] = nil
		}
	}
	return p, nil
}

// Submit validates and writes a submission. Only fields whose normalized
// value differs from the stored one are written; each write appends exactly
// one audit row, all inside a single transaction. Returns the number of
// fields saved.
func (s *Service) Submit(ctx context.Context, role string, user *store.User, in map[string]*string) (int, error) {
	schema := s.registry.Get(role)
	if schema == nil {
		return 0, apperr.New(apperr.NotFound, "form not found")
	}
	if len(in) > maxFieldsPerSubmit {
		return 0, apperr.Newf(apperr.Validation, "too many fields submitted (max %d)", maxFieldsPerSubmit)
	}

	// Validate everything before touching the store. Keys outside the
	// schema are ignored, not rejected.
	normalized := make(map[string]*string, len(in))
	for name, raw := range in {
		field := schema.Field(name)
		if field == nil {
			continue
		}
		v, err := coerce(*field, raw)
		if err != nil {
			return 0, err
		}
		normalized[name] = v
	}

	m := s.roleMutex(role)
	m.Lock()
	defer m.Unlock()

	saved := 0
	now := time.Now()
	var userID *int64
	if user != nil {
		userID = &user.ID
	}
	err := s.db.Tx(ctx, func(tx *sql.Tx) error {
		// Walk schema order so audit rows land in field order.
		for _, f := range schema.Fields {
			value, ok := normalized[f.Name]
			if !ok {
				continue
			}
			_, changed, err := s.db.UpsertFormValue(ctx, tx, schema.FormName, role, f.Name, value, userID, now)
			if err != nil {
				return err
			}
			if changed {
				saved++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if saved > 0 {
		s.logger.Infow("form submitted", "role", role, "saved", saved)
	}
	return saved, nil
}

// coerce validates raw against the field type and returns the value to
// store. Comparison later is string equality after trimming, so "100" and
// "100.0" stay distinct values.
func coerce(f forms.Field, raw *string) (*string, error) {
	if raw == nil {
		return nil, nil
	}
	v := strings.TrimSpace(*raw)
	if len(v) > maxFieldValueLength {
		return nil, apperr.Newf(apperr.Validation, "value for %q exceeds maximum length of %d characters", f.Name, maxFieldValueLength)
	}
	if v == "" {
		if f.Required {
			return nil, apperr.Newf(apperr.Unprocessable, "%q is required", f.Label)
		}
		return &v, nil
	}

	switch f.Type {
	case forms.FieldNumber:
		if _, err := strconv.ParseFloat(v, 64); err != nil {
			return nil, apperr.Newf(apperr.Unprocessable, "%q must be a valid number", f.Label)
		}
	case forms.FieldSelect:
		if !f.HasOption(v) {
			return nil, apperr.Newf(apperr.Unprocessable, "%q must be one of: %s", f.Label, strings.Join(f.Options, ", "))
		}
	}
	return &v, nil
}
