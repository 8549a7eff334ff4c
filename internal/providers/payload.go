package providers

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	domainErrors "github.com/cassiomorais/checkout/internal/domain/errors"
	"github.com/go-viper/mapstructure/v2"
)

// Decode converts a raw payload into an adapter's typed struct. Struct fields are
// matched by their mapstructure tags, and string values are coerced to numbers
// since query strings and form bodies arrive untyped.
func Decode[T any](p Payload) (T, error) {
	var out T
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &out,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeHookFunc("2006-01-02T15:04:05Z07:00"),
	})
	if err != nil {
		return out, fmt.Errorf("build payload decoder: %w", err)
	}
	if err := dec.Decode(map[string]any(p)); err != nil {
		return out, domainErrors.NewValidationError("payload", err.Error())
	}
	return out, nil
}

// PayloadFromValues flattens query or form values. Repeated keys keep the first value.
func PayloadFromValues(v url.Values) Payload {
	p := make(Payload, len(v))
	for k, vals := range v {
		if len(vals) > 0 {
			p[k] = vals[0]
		}
	}
	return p
}

// String returns the payload value under key as a string, or "".
func (p Payload) String(key string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

// Canonical renders the payload as sorted key=value pairs joined by '&',
// leaving out the excluded keys. Signatures are computed over this form.
func (p Payload) Canonical(exclude ...string) string {
	skip := make(map[string]struct{}, len(exclude))
	for _, k := range exclude {
		skip[k] = struct{}{}
	}
	keys := make([]string, 0, len(p))
	for k := range p {
		if _, ok := skip[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(p.String(k))
	}
	return b.String()
}
