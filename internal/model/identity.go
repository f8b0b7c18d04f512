package model

// IdentityKind tags the caller variant the gate switches over.
type IdentityKind int

const (
	IdentityAnonymous IdentityKind = iota
	IdentityAuthenticated
	IdentityPremium
)

func (k IdentityKind) String() string {
	switch k {
	case IdentityAnonymous:
		return "anonymous"
	case IdentityAuthenticated:
		return "authenticated"
	case IdentityPremium:
		return "premium"
	}
	return "unknown"
}

// Identity is the caller of a request. UserID is empty for Anonymous.
// DeviceID is the browser's rp_device cookie, present for every variant
// that came through a browser.
type Identity struct {
	Kind     IdentityKind
	UserID   string
	Email    string
	DeviceID string
}

func Anonymous(deviceID string) Identity {
	return Identity{Kind: IdentityAnonymous, DeviceID: deviceID}
}

func Authenticated(userID, email, deviceID string) Identity {
	return Identity{Kind: IdentityAuthenticated, UserID: userID, Email: email, DeviceID: deviceID}
}

func Premium(userID, email, deviceID string) Identity {
	return Identity{Kind: IdentityPremium, UserID: userID, Email: email, DeviceID: deviceID}
}

func (i Identity) IsAnonymous() bool {
	return i.Kind == IdentityAnonymous
}

// Owns reports whether the job belongs to this caller.
func (i Identity) Owns(job *AnalysisJob) bool {
	if job == nil {
		return false
	}
	if job.UserID != nil {
		return i.UserID != "" && *job.UserID == i.UserID
	}
	return i.DeviceID != "" && job.Metadata.DeviceID == i.DeviceID
}

// Usage is the free-tier gate's answer for one identity.
type Usage struct {
	CanAnalyze      bool `json:"can_analyze"`
	Used            int  `json:"used"`
	Remaining       int  `json:"remaining"`
	Limit           int  `json:"limit"`
	HasReachedLimit bool `json:"has_reached_limit"`
	IsPremium       bool `json:"is_premium"`
}
