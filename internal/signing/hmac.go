package signing

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
)

const TimestampHeader = "X-Timestamp"

// Canonical builds the signed payload: event type, unix timestamp and the
// macros with keys in ascending order. Empty values are dropped.
func Canonical(eventType string, timestamp int64, macros map[string]string) []byte {
	keys := make([]string, 0, len(macros))
	for k, v := range macros {
		if v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteString(`{"event":`)
	writeString(&buf, eventType)
	buf.WriteString(`,"macros":{`)
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeString(&buf, k)
		buf.WriteByte(':')
		writeString(&buf, macros[k])
	}
	buf.WriteString(`},"timestamp":`)
	buf.WriteString(strconv.FormatInt(timestamp, 10))
	buf.WriteByte('}')
	return buf.Bytes()
}

func writeString(buf *bytes.Buffer, s string) {
	b, _ := json.Marshal(s)
	buf.Write(b)
}

func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func Verify(payload []byte, secret, signature string) bool {
	expected := Sign(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Headers returns the signature headers for a signed postback.
func Headers(signatureHeader string, timestamp int64, signature string) map[string]string {
	return map[string]string{
		signatureHeader: signature,
		TimestampHeader: strconv.FormatInt(timestamp, 10),
	}
}
