package ca

import (
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/jmcleod/ironca/pki"
)

// invalid marks a request validation failure as a pki.ErrValidation.
func invalid(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", pki.ErrValidation, err)
}

var (
	keyAlgorithmRule = validation.By(func(v any) error {
		alg, _ := v.(pki.KeyAlgorithm)
		if alg == pki.KeyAlgorithmUnknown {
			return nil
		}
		_, err := pki.Resolve(alg)
		return err
	})

	signatureAlgorithmRule = validation.By(func(v any) error {
		alg, _ := v.(pki.SignatureAlgorithm)
		if alg == pki.SignatureAlgorithmUnknown {
			return nil
		}
		_, err := pki.ParseSignatureAlgorithm(alg.String())
		return err
	})

	revocationReasonRule = validation.By(func(v any) error {
		reason, _ := v.(pki.RevocationReason)
		if !reason.Valid() {
			return fmt.Errorf("%w: %d", pki.ErrInvalidRevocationReason, int(reason))
		}
		if reason == pki.ReasonRemoveFromCRL {
			return ErrRemoveFromCRL
		}
		return nil
	})

	serialRule = validation.By(func(v any) error {
		serial, _ := v.(string)
		if serial != "" && !pki.ValidSerial(serial) {
			return fmt.Errorf("%w: %q", pki.ErrInvalidSerial, serial)
		}
		return nil
	})
)

// Validate implements validation.Validatable.
func (r CreateCARequest) Validate() error {
	return invalid(validation.ValidateStruct(&r,
		validation.Field(&r.Subject, validation.Required),
		validation.Field(&r.KeyAlgorithm, keyAlgorithmRule),
		validation.Field(&r.SignatureAlgorithm, signatureAlgorithmRule),
		validation.Field(&r.ValidityYears, validation.Min(0), validation.Max(100)),
		validation.Field(&r.PathLen, validation.Min(0)),
		validation.Field(&r.Label, validation.Length(0, 128)),
	))
}

// Validate implements validation.Validatable.
func (r IssueRequest) Validate() error {
	return invalid(validation.ValidateStruct(&r,
		validation.Field(&r.CAID, validation.Required),
		validation.Field(&r.Subject, validation.Required),
		validation.Field(&r.KeyAlgorithm, keyAlgorithmRule),
		validation.Field(&r.SignatureAlgorithm, signatureAlgorithmRule),
		validation.Field(&r.ValidityDays, validation.Min(0)),
		validation.Field(&r.Label, validation.Length(0, 128)),
	))
}

// Validate implements validation.Validatable.
func (r SignCSRRequest) Validate() error {
	return invalid(validation.ValidateStruct(&r,
		validation.Field(&r.CAID, validation.Required),
		validation.Field(&r.CSR, validation.Required),
		validation.Field(&r.SignatureAlgorithm, signatureAlgorithmRule),
		validation.Field(&r.ValidityDays, validation.Min(0)),
	))
}

// Validate implements validation.Validatable.
func (r RenewRequest) Validate() error {
	return invalid(validation.ValidateStruct(&r,
		validation.Field(&r.CAID, validation.Required),
		validation.Field(&r.CertificateID, validation.Required),
		validation.Field(&r.KeyAlgorithm, keyAlgorithmRule),
		validation.Field(&r.ValidityDays, validation.Min(0)),
	))
}

// Validate implements validation.Validatable.
func (r RevokeRequest) Validate() error {
	return invalid(validation.ValidateStruct(&r,
		validation.Field(&r.CAID, validation.Required),
		validation.Field(&r.CertificateID, validation.Required.When(r.SerialNumber == "").Error("certificate ID or serial number is required")),
		validation.Field(&r.SerialNumber, serialRule),
		validation.Field(&r.Reason, revocationReasonRule),
	))
}

// Validate implements validation.Validatable.
func (r DestroyRequest) Validate() error {
	return invalid(validation.ValidateStruct(&r,
		validation.Field(&r.CAID, validation.Required),
		validation.Field(&r.Reason, revocationReasonRule),
	))
}
