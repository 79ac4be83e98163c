package devicepolicy

import "encoding/json"

// JSONSettingsCodec is the concrete stand-in for the supplied inner
// policy-data codec, serializing exactly the fields this core acts on
// (§1's Non-goals: "does not itself parse policy semantics beyond the
// fields it acts on").
type JSONSettingsCodec struct{}

type wireSettings struct {
	Username                 string   `json:"username"`
	Whitelist                []string `json:"whitelist"`
	AllowNewUsers            bool     `json:"allow_new_users"`
	StartupFlags             []string `json:"startup_flags"`
	EnrollmentToken          string   `json:"enrollment_token,omitempty"`
	ValidSerialNumberMissing bool     `json:"valid_serial_number_missing,omitempty"`
}

func (JSONSettingsCodec) Decode(policyData []byte) (Settings, error) {
	if len(policyData) == 0 {
		return Settings{}, nil
	}
	var w wireSettings
	if err := json.Unmarshal(policyData, &w); err != nil {
		return Settings{}, err
	}
	return Settings{
		Username:                 w.Username,
		Whitelist:                w.Whitelist,
		AllowNewUsers:            w.AllowNewUsers,
		StartupFlags:             w.StartupFlags,
		EnrollmentToken:          w.EnrollmentToken,
		ValidSerialNumberMissing: w.ValidSerialNumberMissing,
	}, nil
}

func (JSONSettingsCodec) Encode(s Settings) ([]byte, error) {
	return json.Marshal(wireSettings{
		Username:                 s.Username,
		Whitelist:                s.Whitelist,
		AllowNewUsers:            s.AllowNewUsers,
		StartupFlags:             s.StartupFlags,
		EnrollmentToken:          s.EnrollmentToken,
		ValidSerialNumberMissing: s.ValidSerialNumberMissing,
	})
}
