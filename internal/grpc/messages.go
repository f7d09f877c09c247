package grpc

import (
	"encoding/json"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// LockRequest asks for an acquire, renew or release of one key.
// A zero duration releases, a positive duration with a non-negative token
// renews, and a positive duration with a negative token acquires.
type LockRequest struct {
	Key      string
	Duration *durationpb.Duration
	Token    int64
}

// LockResponse carries the resulting token, or -1 on failure. Stale is set
// when a renew or release named a token that no longer holds the key; Token
// is then the current one and nothing changed.
type LockResponse struct {
	Key   string `json:"key"`
	Token int64  `json:"token"`
	Stale bool   `json:"stale,omitempty"`
}

func (r *LockRequest) GetKey() string {
	if r == nil {
		return ""
	}
	return r.Key
}

func (r *LockRequest) GetToken() int64 {
	if r == nil {
		return FailedToken
	}
	return r.Token
}

func (r *LockResponse) GetKey() string {
	if r == nil {
		return ""
	}
	return r.Key
}

func (r *LockResponse) GetToken() int64 {
	if r == nil {
		return FailedToken
	}
	return r.Token
}

func (r *LockResponse) GetStale() bool {
	return r != nil && r.Stale
}

// LockInfo describes one key in a GetLockInfo response.
type LockInfo struct {
	Key       string
	IsLocked  bool
	Token     int64
	ExpiresAt *timestamppb.Timestamp
}

// LockInfoResponse lists every key known to the server.
type LockInfoResponse struct {
	Locks []*LockInfo `json:"locks"`
}

type lockRequestJSON struct {
	Key      string          `json:"key"`
	Duration json.RawMessage `json:"duration,omitempty"`
	Token    int64           `json:"token"`
}

// MarshalJSON encodes Duration in its protojson form ("1.5s").
func (r *LockRequest) MarshalJSON() ([]byte, error) {
	out := lockRequestJSON{Key: r.Key, Token: r.Token}
	if r.Duration != nil {
		d, err := protojson.Marshal(r.Duration)
		if err != nil {
			return nil, err
		}
		out.Duration = d
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes Duration from its protojson form.
func (r *LockRequest) UnmarshalJSON(data []byte) error {
	var in lockRequestJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	r.Key = in.Key
	r.Token = in.Token
	r.Duration = nil
	if len(in.Duration) > 0 && string(in.Duration) != "null" {
		r.Duration = &durationpb.Duration{}
		if err := protojson.Unmarshal(in.Duration, r.Duration); err != nil {
			return err
		}
	}
	return nil
}

type lockInfoJSON struct {
	Key       string          `json:"key"`
	IsLocked  bool            `json:"isLocked"`
	Token     int64           `json:"token"`
	ExpiresAt json.RawMessage `json:"expiresAt,omitempty"`
}

// MarshalJSON encodes ExpiresAt as an RFC 3339 string.
func (i *LockInfo) MarshalJSON() ([]byte, error) {
	out := lockInfoJSON{Key: i.Key, IsLocked: i.IsLocked, Token: i.Token}
	if i.ExpiresAt != nil {
		ts, err := protojson.Marshal(i.ExpiresAt)
		if err != nil {
			return nil, err
		}
		out.ExpiresAt = ts
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes ExpiresAt from an RFC 3339 string.
func (i *LockInfo) UnmarshalJSON(data []byte) error {
	var in lockInfoJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	i.Key = in.Key
	i.IsLocked = in.IsLocked
	i.Token = in.Token
	i.ExpiresAt = nil
	if len(in.ExpiresAt) > 0 && string(in.ExpiresAt) != "null" {
		i.ExpiresAt = &timestamppb.Timestamp{}
		if err := protojson.Unmarshal(in.ExpiresAt, i.ExpiresAt); err != nil {
			return err
		}
	}
	return nil
}
