package identity

// PatientProfile is the subset of a patient profile the resolver reads.
type PatientProfile struct {
	ID               string  `db:"id" json:"id"`
	ExternalToken    *string `db:"external_token" json:"external_token,omitempty"`
	SecondaryUserRef *string `db:"secondary_user_ref" json:"secondary_user_ref,omitempty"`
}

// User is an account known to the store.
type User struct {
	ID            string  `db:"id" json:"id"`
	ExternalToken *string `db:"external_token" json:"external_token,omitempty"`
	Role          string  `db:"role" json:"role"`
	DisplayName   *string `db:"display_name" json:"display_name,omitempty"`
}

func (p *PatientProfile) token() (string, bool) {
	return nonEmpty(p.ExternalToken)
}

func (p *PatientProfile) secondaryRef() (string, bool) {
	return nonEmpty(p.SecondaryUserRef)
}

func (u *User) token() (string, bool) {
	return nonEmpty(u.ExternalToken)
}

func nonEmpty(s *string) (string, bool) {
	if s == nil || *s == "" {
		return "", false
	}
	return *s, true
}
