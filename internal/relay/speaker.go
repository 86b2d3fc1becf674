package relay

// Role is the clinical role a diarization tag resolves to.
type Role string

const (
	RolePrimary   Role = "medico"
	RoleSecondary Role = "paciente"
)

// SpeakerResolver maps opaque upstream speaker tags to roles. The first
// distinct tag is the primary role, the second the secondary, alternating
// by arrival order after that. One resolver belongs to one stream and is
// only touched by that stream's consumer goroutine.
type SpeakerResolver struct {
	roles map[string]Role
}

// NewSpeakerResolver returns an empty resolver.
func NewSpeakerResolver() *SpeakerResolver {
	return &SpeakerResolver{roles: make(map[string]Role)}
}

// Resolve returns the role for tag. An empty tag is the primary role.
func (s *SpeakerResolver) Resolve(tag string) Role {
	if tag == "" {
		return RolePrimary
	}
	if role, ok := s.roles[tag]; ok {
		return role
	}
	role := RolePrimary
	if len(s.roles)%2 == 1 {
		role = RoleSecondary
	}
	s.roles[tag] = role
	return role
}
