package domain

import (
	"fmt"
	"strings"
	"time"
)

type Profile struct {
	UserID             string    `json:"user_id"`
	Email              string    `json:"email"`
	SubAccountRef      *string   `json:"sub_account_ref,omitempty"`
	OnboardingComplete bool      `json:"onboarding_complete"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func (p Profile) HasSubAccount() bool {
	return p.SubAccountRef != nil && strings.TrimSpace(*p.SubAccountRef) != ""
}

// AttachSubAccount sets the processor sub-account once. A second, different
// reference is rejected: one sub-account per user for the life of the record.
func (p *Profile) AttachSubAccount(ref string, now time.Time) error {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return fmt.Errorf("%w: empty sub-account reference", ErrValidation)
	}
	if p.HasSubAccount() {
		if *p.SubAccountRef == ref {
			return nil
		}
		return fmt.Errorf("%w: user %s already has sub-account %s", ErrConflict, p.UserID, *p.SubAccountRef)
	}
	p.SubAccountRef = &ref
	p.UpdatedAt = now
	return nil
}
