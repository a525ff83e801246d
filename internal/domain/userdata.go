package domain

// UserData is the record forwarded to the voice provider with every call.
// Upstream producers use several field conventions (name vs lead_name,
// company vs business_name); NormalizeUserData folds them into this single
// shape at the boundary so nothing inward ever sees a variant.
type UserData struct {
	LeadName     string `json:"lead_name"`
	BusinessName string `json:"business_name"`
	Email        string `json:"email"`
}

// NormalizeUserData maps a raw payload onto UserData with empty-string
// defaults. Preferred keys win over their legacy aliases.
func NormalizeUserData(raw map[string]any) UserData {
	str := func(keys ...string) string {
		for _, k := range keys {
			if v, ok := raw[k]; ok {
				if s, ok := v.(string); ok && s != "" {
					return s
				}
			}
		}
		return ""
	}
	if raw == nil {
		return UserData{}
	}
	return UserData{
		LeadName:     str("lead_name", "name"),
		BusinessName: str("business_name", "company"),
		Email:        str("email"),
	}
}
