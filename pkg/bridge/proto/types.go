// Package proto holds the wire types for the Invoker and ControlPlane gRPC
// services described in bridge.proto. No code generator runs in this repo,
// so the messages are hand-authored structs carried over gRPC through a
// JSON subtype codec (see codec.go) instead of protoc-emitted
// descriptor-backed messages.
package proto

// Value is a union of wire-economical representations for a dynamically
// typed field crossing the host<->handler boundary. Exactly one field is
// populated; NewValue/ToAny convert from/to a plain Go value.
type Value struct {
	JSON string  `json:"json,omitempty"`
	S    string  `json:"s,omitempty"`
	B    bool    `json:"b,omitempty"`
	I64  int64   `json:"i64,omitempty"`
	F64  float64 `json:"f64,omitempty"`
	Bin  []byte  `json:"bin,omitempty"`
	Kind string  `json:"kind"`
}

// Status mirrors a gRPC status code/message pair carried inside an
// InvokeResponse body (distinct from the transport-level gRPC status, so a
// handler can report a domain failure without aborting the RPC).
type Status struct {
	Code    int32  `json:"code"`
	Message string `json:"message"`
}

// InvokeRequest is the Invoker.Invoke request message.
type InvokeRequest struct {
	HandlerName string           `json:"handler_name"`
	Method      string           `json:"method"`
	Correlation string           `json:"correlation"`
	Meta        map[string]Value `json:"meta"`
	Input       map[string]Value `json:"input"`
}

// InvokeResponse is the Invoker.Invoke response message.
type InvokeResponse struct {
	Correlation string           `json:"correlation"`
	Status      Status           `json:"status"`
	Output      map[string]Value `json:"output"`
}

// LogMessage is a control-plane log{level,msg,fields} payload.
type LogMessage struct {
	Level  string           `json:"level"`
	Msg    string           `json:"msg"`
	Fields map[string]Value `json:"fields"`
}

// EmitMessage is a control-plane emit{topic,data} payload.
type EmitMessage struct {
	Topic string `json:"topic"`
	Data  Value  `json:"data"`
}

// KVGetMessage is a control-plane kv_get{bucket,key} payload.
type KVGetMessage struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// KVPutMessage is a control-plane kv_put{bucket,key,value} payload.
type KVPutMessage struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	Value  Value  `json:"value"`
}

// KVDelMessage is a control-plane kv_del{bucket,key} payload.
type KVDelMessage struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// ControlMessage is one frame a handler sends up the ControlPlane.Connect
// stream. Payload is a union discriminated by Type.
type ControlMessage struct {
	Correlation string            `json:"correlation"`
	RunID       string            `json:"run_id"`
	Meta        map[string]string `json:"meta"`
	Type        string            `json:"type"` // "log" | "emit" | "kv_get" | "kv_put" | "kv_del"

	Log   *LogMessage   `json:"log,omitempty"`
	Emit  *EmitMessage  `json:"emit,omitempty"`
	KVGet *KVGetMessage `json:"kv_get,omitempty"`
	KVPut *KVPutMessage `json:"kv_put,omitempty"`
	KVDel *KVDelMessage `json:"kv_del,omitempty"`
}

// ControlReply is the host's reply to one ControlMessage, keyed by
// correlation.
type ControlReply struct {
	Correlation string `json:"correlation"`
	Status      Status `json:"status"`
	Value       *Value `json:"value,omitempty"`
}

// NewValue converts a plain Go value into the wire Value union.
func NewValue(v any) Value {
	switch t := v.(type) {
	case nil:
		return Value{Kind: "json", JSON: "null"}
	case string:
		return Value{Kind: "s", S: t}
	case bool:
		return Value{Kind: "b", B: t}
	case int:
		return Value{Kind: "i64", I64: int64(t)}
	case int64:
		return Value{Kind: "i64", I64: t}
	case float64:
		return Value{Kind: "f64", F64: t}
	case []byte:
		return Value{Kind: "bin", Bin: t}
	default:
		return Value{Kind: "json", JSON: mustJSON(v)}
	}
}

// ToAny converts a wire Value union back into a plain Go value.
func (v Value) ToAny() any {
	switch v.Kind {
	case "s":
		return v.S
	case "b":
		return v.B
	case "i64":
		return v.I64
	case "f64":
		return v.F64
	case "bin":
		return v.Bin
	default:
		return fromJSON(v.JSON)
	}
}
