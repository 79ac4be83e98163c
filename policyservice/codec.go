package policyservice

import "encoding/json"

// JSONCodec is the concrete stand-in for the "supplied codec" §1 places
// out of scope: it serializes an Envelope as a JSON object with
// base64-encoded byte fields, which is what encoding/json already does
// for []byte. A production deployment may swap in a protobuf or
// capnproto codec without policyservice changing at all.
type JSONCodec struct{}

type wireEnvelope struct {
	PolicyData            []byte `json:"policy_data"`
	PolicyDataSignature    []byte `json:"policy_data_signature"`
	NewPublicKey           []byte `json:"new_public_key,omitempty"`
	NewPublicKeySignature  []byte `json:"new_public_key_signature,omitempty"`
}

func (JSONCodec) Decode(raw []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(raw, &w); err != nil {
		return Envelope{}, err
	}
	return Envelope{
		PolicyData:            w.PolicyData,
		PolicyDataSignature:    w.PolicyDataSignature,
		NewPublicKey:           w.NewPublicKey,
		NewPublicKeySignature:  w.NewPublicKeySignature,
	}, nil
}

func (JSONCodec) Encode(env Envelope) ([]byte, error) {
	return json.Marshal(wireEnvelope{
		PolicyData:            env.PolicyData,
		PolicyDataSignature:    env.PolicyDataSignature,
		NewPublicKey:           env.NewPublicKey,
		NewPublicKeySignature:  env.NewPublicKeySignature,
	})
}
