package client

import (
	"errors"
	"fmt"
	"strings"
)

// Connection string errors.
var (
	ErrMalformedConnectionString = errors.New("malformed connection string")
	ErrMissingField              = errors.New("connection string field missing")
)

// ConnectionString is a parsed "Key=Value;Key=Value" device connection
// string.
type ConnectionString struct {
	HostName            string
	DeviceID            string
	ModuleID            string
	SharedAccessKey     string
	SharedAccessKeyName string
	GatewayHostName     string
}

// ParseConnectionString parses s. HostName and DeviceId are required.
// Values may contain '='; keys are case-sensitive.
func ParseConnectionString(s string) (ConnectionString, error) {
	var cs ConnectionString
	seen := make(map[string]bool)

	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok || key == "" {
			return ConnectionString{}, fmt.Errorf("%w: segment %q", ErrMalformedConnectionString, part)
		}
		if seen[key] {
			return ConnectionString{}, fmt.Errorf("%w: duplicate %s", ErrMalformedConnectionString, key)
		}
		seen[key] = true

		switch key {
		case "HostName":
			cs.HostName = value
		case "DeviceId":
			cs.DeviceID = value
		case "ModuleId":
			cs.ModuleID = value
		case "SharedAccessKey":
			cs.SharedAccessKey = value
		case "SharedAccessKeyName":
			cs.SharedAccessKeyName = value
		case "GatewayHostName":
			cs.GatewayHostName = value
		default:
			// Unknown keys are ignored for forward compatibility.
		}
	}

	if cs.HostName == "" {
		return ConnectionString{}, fmt.Errorf("%w: HostName", ErrMissingField)
	}
	if cs.DeviceID == "" {
		return ConnectionString{}, fmt.Errorf("%w: DeviceId", ErrMissingField)
	}
	return cs, nil
}

// Endpoint is the host the client connects to: the gateway when one is
// named, otherwise the hub.
func (cs ConnectionString) Endpoint() string {
	if cs.GatewayHostName != "" {
		return cs.GatewayHostName
	}
	return cs.HostName
}

// String formats the connection string with the key redacted.
func (cs ConnectionString) String() string {
	var b strings.Builder
	write := func(k, v string) {
		if v == "" {
			return
		}
		if b.Len() > 0 {
			b.WriteByte(';')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
	}
	write("HostName", cs.HostName)
	write("DeviceId", cs.DeviceID)
	write("ModuleId", cs.ModuleID)
	write("SharedAccessKeyName", cs.SharedAccessKeyName)
	if cs.SharedAccessKey != "" {
		write("SharedAccessKey", "***")
	}
	write("GatewayHostName", cs.GatewayHostName)
	return b.String()
}
