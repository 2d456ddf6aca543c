package bridge

import (
	"io"

	"google.golang.org/grpc/codes"

	"github.com/relaysys/fabric/pkg/bridge/proto"
	"github.com/relaysys/fabric/pkg/bus"
	"github.com/relaysys/fabric/pkg/log"
)

// Connect implements proto.ControlPlaneServer, the handler->host callback
// stream. Each frame resolves runId to a RunScope, then dispatches
// log/emit/kv_get/kv_put/kv_del into the host's Logger/Bus/KV, replying
// keyed by the frame's correlation id (spec §4.5 step 6).
func (h *Host) Connect(stream proto.ControlPlane_ConnectServer) error {
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		reply := h.handleControlMessage(msg)
		if err := stream.Send(reply); err != nil {
			return err
		}
	}
}

func (h *Host) handleControlMessage(msg *proto.ControlMessage) *proto.ControlReply {
	scope := h.runs.Get(msg.RunID)

	switch msg.Type {
	case "log":
		if msg.Log == nil {
			return errorReply(msg.Correlation, "log message missing payload")
		}
		fields := log.Fields{}
		for k, v := range proto.ValuesToMap(msg.Log.Fields) {
			fields[k] = v
		}
		logger := h.logger
		if scope != nil {
			logger = log.WithRunID(h.logger, scope.ID)
		}
		switch msg.Log.Level {
		case "debug":
			logger.Debug(msg.Log.Msg, fields)
		case "warn":
			logger.Warn(msg.Log.Msg, fields)
		case "error":
			logger.Error(msg.Log.Msg, nil, fields)
		default:
			logger.Info(msg.Log.Msg, fields)
		}
		return okReply(msg.Correlation)

	case "emit":
		if msg.Emit == nil {
			return errorReply(msg.Correlation, "emit message missing payload")
		}
		opts := bus.EmitOptions{Run: scope}
		if traceID, ok := msg.Meta["trace_id"]; ok {
			opts.TraceContext.TraceID = traceID
		}
		if spanID, ok := msg.Meta["span_id"]; ok {
			opts.TraceContext.SpanID = spanID
		}
		h.bus.Emit(msg.Emit.Topic, msg.Emit.Data.ToAny(), opts)
		return okReply(msg.Correlation)

	case "kv_get":
		if msg.KVGet == nil {
			return errorReply(msg.Correlation, "kv_get message missing payload")
		}
		v, err := h.kvPath.Get(combineKey(msg.KVGet.Bucket, msg.KVGet.Key))
		if err != nil {
			return errorReply(msg.Correlation, err.Error())
		}
		value := proto.NewValue(v)
		return &proto.ControlReply{Correlation: msg.Correlation, Status: proto.Status{Code: int32(codes.OK)}, Value: &value}

	case "kv_put":
		if msg.KVPut == nil {
			return errorReply(msg.Correlation, "kv_put message missing payload")
		}
		if err := h.kvPath.Set(combineKey(msg.KVPut.Bucket, msg.KVPut.Key), msg.KVPut.Value.ToAny()); err != nil {
			return errorReply(msg.Correlation, err.Error())
		}
		return okReply(msg.Correlation)

	case "kv_del":
		if msg.KVDel == nil {
			return errorReply(msg.Correlation, "kv_del message missing payload")
		}
		if err := h.kvPath.Delete(combineKey(msg.KVDel.Bucket, msg.KVDel.Key)); err != nil {
			return errorReply(msg.Correlation, err.Error())
		}
		return okReply(msg.Correlation)

	default:
		return errorReply(msg.Correlation, "unknown control message type: "+msg.Type)
	}
}

func combineKey(bucket, key string) string {
	return bucket + ":" + key
}

func okReply(correlation string) *proto.ControlReply {
	return &proto.ControlReply{Correlation: correlation, Status: proto.Status{Code: int32(codes.OK)}}
}

func errorReply(correlation, message string) *proto.ControlReply {
	return &proto.ControlReply{Correlation: correlation, Status: proto.Status{Code: int32(codes.Internal), Message: message}}
}
