package signal

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// canonicalPayload is the exact serialization covered by a signal's SHA256.
// Field order is fixed; prev_sha256, sha256 itself, and the mutable outcome
// fields are deliberately excluded so outcome updates never break the chain.
type canonicalPayload struct {
	SignalID          string          `json:"signal_id"`
	CreatedAt         string          `json:"created_at"`
	Symbol            string          `json:"symbol"`
	Action            Action          `json:"action"`
	EntryPrice        string          `json:"entry_price"`
	StopPrice         string          `json:"stop_price"`
	TargetPrice       string          `json:"target_price"`
	Confidence        string          `json:"confidence"`
	Regime            Regime          `json:"regime"`
	SourcesUsed       []string        `json:"sources_used"`
	PerSourceVerdicts []SourceVerdict `json:"per_source_verdicts"`
	Rationale         string          `json:"rationale"`
	ServiceType       string          `json:"service_type"`
}

// canonicalPrice renders prices and confidences with a fixed precision so
// the digest is stable across float formatting differences.
func canonicalPrice(v float64) string {
	return fmt.Sprintf("%.8f", v)
}

// CanonicalJSON returns the canonical serialization of the immutable fields.
func (s *Signal) CanonicalJSON() ([]byte, error) {
	sources := append([]string(nil), s.SourcesUsed...)
	sort.Strings(sources)

	payload := canonicalPayload{
		SignalID:          s.SignalID.String(),
		CreatedAt:         s.CreatedAt.UTC().Format(time.RFC3339Nano),
		Symbol:            s.Symbol,
		Action:            s.Action,
		EntryPrice:        canonicalPrice(s.EntryPrice),
		StopPrice:         canonicalPrice(s.StopPrice),
		TargetPrice:       canonicalPrice(s.TargetPrice),
		Confidence:        canonicalPrice(s.Confidence),
		Regime:            s.Regime,
		SourcesUsed:       sources,
		PerSourceVerdicts: s.PerSourceVerdicts,
		Rationale:         s.Rationale,
		ServiceType:       s.ServiceType,
	}
	return json.Marshal(payload)
}

// ComputeSHA256 recomputes the digest of the immutable fields.
func (s *Signal) ComputeSHA256() (string, error) {
	data, err := s.CanonicalJSON()
	if err != nil {
		return "", fmt.Errorf("canonical serialization: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Seal computes and stores the signal's digest. Call once, after all
// immutable fields are final and before handing the signal to the store.
func (s *Signal) Seal() error {
	digest, err := s.ComputeSHA256()
	if err != nil {
		return err
	}
	s.SHA256 = digest
	return nil
}

// VerifySHA256 recomputes the digest and compares it to the stored value.
func (s *Signal) VerifySHA256() (bool, error) {
	digest, err := s.ComputeSHA256()
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(digest), []byte(s.SHA256)), nil
}

// SignBody returns hex(HMAC-SHA256(secret, body)), the value carried in
// the X-Signature header on executor requests.
func SignBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyBodySignature checks an X-Signature header value in constant time.
func VerifyBodySignature(secret string, body []byte, signature string) bool {
	expected := SignBody(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
