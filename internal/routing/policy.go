package routing

// Sensitivity classifies the data a routed task will handle.
type Sensitivity string

const (
	SensitivityPublic       Sensitivity = "public"
	SensitivityInternal     Sensitivity = "internal"
	SensitivityConfidential Sensitivity = "confidential"
	SensitivityRestricted   Sensitivity = "restricted"
)

// Rank orders sensitivities; higher ranks are more sensitive. Unknown values
// rank highest so a typo never loosens the gate.
func (s Sensitivity) Rank() int {
	switch s {
	case SensitivityPublic:
		return 0
	case SensitivityInternal:
		return 1
	case SensitivityConfidential:
		return 2
	case SensitivityRestricted:
		return 3
	default:
		return 4
	}
}

// PolicyRule gates candidates before health is consulted. Zero-value fields
// are permissive: an empty allowed list allows every tag set, an empty trust
// list accepts every trust level.
type PolicyRule struct {
	AllowedCapabilityTags []string    `json:"allowed_capability_tags,omitempty" yaml:"allowed_capability_tags"`
	DeniedCapabilityTags  []string    `json:"denied_capability_tags,omitempty" yaml:"denied_capability_tags"`
	RequiredTrustLevels   []string    `json:"required_trust_levels,omitempty" yaml:"required_trust_levels"`
	MaxDataSensitivity    Sensitivity `json:"max_data_sensitivity,omitempty" yaml:"max_data_sensitivity"`
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

// Permits reports whether a candidate with candidateTags may serve a request
// carrying requestedTags at the given trust level and data sensitivity.
func (r *PolicyRule) Permits(candidateTags, requestedTags []string, trustLevel string, sensitivity Sensitivity) bool {
	if r == nil {
		return true
	}
	if len(r.AllowedCapabilityTags) > 0 && !intersects(r.AllowedCapabilityTags, requestedTags) {
		return false
	}
	if intersects(r.DeniedCapabilityTags, candidateTags) {
		return false
	}
	if len(r.RequiredTrustLevels) > 0 && !contains(r.RequiredTrustLevels, trustLevel) {
		return false
	}
	if r.MaxDataSensitivity != "" && sensitivity.Rank() > r.MaxDataSensitivity.Rank() {
		return false
	}
	return true
}
