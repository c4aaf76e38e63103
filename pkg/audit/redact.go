package audit

import (
	"encoding/hex"
	"encoding/json"

	"github.com/zeebo/blake3"
)

// redactedFields are replaced by a salted hash wherever they appear in a
// request or result body. Action payloads and session expiries can carry
// business data; identities and indices stay readable for investigation.
var redactedFields = map[string]string{
	"data":       "data_hash",
	"expires_at": "expires_at_hash",
	"token":      "token_hash",
}

func redactRecord(rec Record, salt []byte) Record {
	rec.Request = redactJSON(rec.Request, salt)
	rec.Result = redactJSON(rec.Result, salt)
	return rec
}

func redactJSON(raw json.RawMessage, salt []byte) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		b, _ := json.Marshal(map[string]any{
			"body_hash":       hashBytes(raw, salt),
			"redaction_error": "invalid_json",
		})
		return b
	}
	b, err := json.Marshal(redactValue(v, salt))
	if err != nil {
		return raw
	}
	return b
}

func redactValue(v any, salt []byte) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			if hashed, ok := redactedFields[k]; ok {
				raw, _ := json.Marshal(child)
				out[hashed] = hashBytes(raw, salt)
				continue
			}
			out[k] = redactValue(child, salt)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = redactValue(child, salt)
		}
		return out
	default:
		return v
	}
}

// HashActor returns the stored form of a caller identity.
func HashActor(actor string, salt []byte) string {
	return hashBytes([]byte(actor), salt)
}

func hashBytes(b []byte, salt []byte) string {
	if len(salt) == 0 {
		sum := blake3.Sum256(b)
		return hex.EncodeToString(sum[:])
	}
	key := blake3.Sum256(salt)
	h, err := blake3.NewKeyed(key[:])
	if err != nil {
		sum := blake3.Sum256(append(append([]byte{}, salt...), b...))
		return hex.EncodeToString(sum[:])
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
