// Package pii decides how protected fields of a record are shown: decrypted,
// masked or redacted.
package pii

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"healthgate.org/internal/auth"
	"healthgate.org/internal/fieldcrypt"
	"healthgate.org/internal/obs"
)

const (
	// DecryptionFailed replaces a field whose ciphertext could not be opened.
	DecryptionFailed = "[DECRYPTION FAILED]"
	// Redacted replaces every protected field at TierRedacted.
	Redacted = "[REDACTED]"
)

// ErrNotInitialized is returned by every operation of a protector built
// without a usable key.
var ErrNotInitialized = errors.New("pii: protection key not initialized")

// Tier is the disclosure level a caller is entitled to.
type Tier int

const (
	TierRedacted Tier = iota
	TierMasked
	TierFull
)

func (t Tier) String() string {
	switch t {
	case TierFull:
		return "full"
	case TierMasked:
		return "masked"
	default:
		return "redacted"
	}
}

// TierFor maps the explicit disclosure permissions to a tier.
func TierFor(set auth.PermissionSet) Tier {
	switch {
	case set.Has(auth.PermPHIViewFull):
		return TierFull
	case set.Has(auth.PermPHIViewMasked):
		return TierMasked
	default:
		return TierRedacted
	}
}

// Field declares one protected field.
type Field struct {
	Name      string
	Mask      fieldcrypt.MaskKind
	Encrypted bool
}

// Policy is the list of protected fields of a record type.
type Policy []Field

// PatientPolicy protects the sensitive columns of a patient record.
var PatientPolicy = Policy{
	{Name: "full_name", Mask: fieldcrypt.MaskName},
	{Name: "email", Mask: fieldcrypt.MaskEmail},
	{Name: "phone", Mask: fieldcrypt.MaskPhone},
	{Name: "blood_type", Mask: fieldcrypt.MaskFull, Encrypted: true},
	{Name: "insurance_number", Mask: fieldcrypt.MaskLicense, Encrypted: true},
}

// Record is a flat view of a stored row. Encrypted fields hold the encoded
// form produced by fieldcrypt.
type Record map[string]string

func (r Record) clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Protector seals records for storage and reveals them for display.
type Protector interface {
	// Ready reports whether a key is installed.
	Ready() bool
	// Seal encrypts the policy's encrypted fields of rec.
	Seal(rec Record) (Record, error)
	// Reveal returns copies of records with every policy field rendered for tier.
	// A field that fails to decrypt becomes DecryptionFailed; other fields
	// are unaffected.
	Reveal(ctx context.Context, records []Record, tier Tier) ([]Record, error)
}

// Option configures a protector.
type Option func(*options)

type options struct {
	logger *zap.Logger
}

// WithLogger sets the logger for decrypt warnings and initialization errors.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// New returns a ready protector when key is a valid field key. Otherwise
// the returned protector fails every call with ErrNotInitialized.
func New(key []byte, policy Policy, opts ...Option) Protector {
	o := options{logger: obs.Logger()}
	for _, opt := range opts {
		opt(&o)
	}
	c, err := fieldcrypt.NewCipher(key)
	if err != nil {
		return &unready{cause: err, logger: o.logger}
	}
	return &ready{cipher: c, policy: policy, logger: o.logger}
}

// NewFromEncodedKey is New for a base64 or hex key as found in configuration.
func NewFromEncodedKey(raw string, policy Policy, opts ...Option) Protector {
	key, err := fieldcrypt.ParseKey(raw)
	if err != nil {
		o := options{logger: obs.Logger()}
		for _, opt := range opts {
			opt(&o)
		}
		return &unready{cause: err, logger: o.logger}
	}
	return New(key, policy, opts...)
}

type ready struct {
	cipher *fieldcrypt.Cipher
	policy Policy
	logger *zap.Logger
}

func (p *ready) Ready() bool { return true }

func (p *ready) Seal(rec Record) (Record, error) {
	out := rec.clone()
	for _, f := range p.policy {
		v, ok := out[f.Name]
		if !f.Encrypted || !ok || v == "" {
			continue
		}
		enc, err := p.cipher.EncryptString(v)
		if err != nil {
			return nil, fmt.Errorf("seal %s: %w", f.Name, err)
		}
		out[f.Name] = enc
	}
	return out, nil
}

func (p *ready) Reveal(_ context.Context, records []Record, tier Tier) ([]Record, error) {
	out := make([]Record, 0, len(records))
	for _, rec := range records {
		out = append(out, p.reveal(rec, tier))
	}
	return out, nil
}

func (p *ready) reveal(rec Record, tier Tier) Record {
	out := rec.clone()
	for _, f := range p.policy {
		v, ok := out[f.Name]
		if !ok || v == "" {
			continue
		}
		if tier != TierFull && tier != TierMasked {
			out[f.Name] = Redacted
			continue
		}
		if f.Encrypted {
			plain, err := p.cipher.DecryptString(v)
			if err != nil {
				obs.PIIDecryptFailures.Inc()
				p.logger.Warn("protected field could not be decrypted",
					zap.String("record_id", rec["id"]),
					zap.String("field", f.Name),
					zap.Error(err),
				)
				out[f.Name] = DecryptionFailed
				continue
			}
			v = plain
		}
		if tier == TierMasked {
			v = fieldcrypt.MaskForDisplay(v, f.Mask)
		}
		out[f.Name] = v
	}
	return out
}

type unready struct {
	cause  error
	logger *zap.Logger
}

func (p *unready) Ready() bool { return false }

func (p *unready) Seal(Record) (Record, error) {
	return nil, p.fail("seal")
}

func (p *unready) Reveal(context.Context, []Record, Tier) ([]Record, error) {
	return nil, p.fail("reveal")
}

func (p *unready) fail(op string) error {
	p.logger.Error("pii protector used without a valid key", zap.String("operation", op), zap.Error(p.cause))
	return fmt.Errorf("%w: %v", ErrNotInitialized, p.cause)
}
