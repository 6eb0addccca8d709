package models

// Principal is the identity attached to a single request after the bearer
// gate resolved its access token.
type Principal struct {
	Subject     string
	UserID      string
	Username    string
	Email       string
	Role        Role
	Authorities []string
}

func AuthoritiesFor(role Role) []string {
	return []string{"ROLE_" + string(role)}
}

func (p *Principal) HasAuthority(authority string) bool {
	for _, a := range p.Authorities {
		if a == authority {
			return true
		}
	}
	return false
}
