package rpc

import (
	"context"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/orrery/core"
	"github.com/signalsfoundry/orrery/internal/observability"
	"github.com/signalsfoundry/orrery/model"
)

// EngineServiceName is the fully qualified gRPC service name.
const EngineServiceName = "orrery.v1.Engine"

const (
	defaultPathSamples = 80
	maxPathSamples     = 4096
)

// engineServer is the method set dispatched by the service descriptor.
// Requests and responses are google.protobuf.Struct documents.
type engineServer interface {
	GetBody(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Position(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Path(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Snapshot(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// EngineService answers body, position, path and snapshot queries against a
// running engine. Distances are multiplied by scale; elements are reported in
// body-table units.
type EngineService struct {
	engine *core.SimulationEngine
	scale  float64
}

// NewEngineService wraps engine. A non-positive scale selects 1.
func NewEngineService(engine *core.SimulationEngine, scale float64) *EngineService {
	if !(scale > 0) {
		scale = 1
	}
	return &EngineService{engine: engine, scale: scale}
}

// RegisterEngineService registers svc on reg.
func RegisterEngineService(reg grpc.ServiceRegistrar, svc *EngineService) {
	reg.RegisterService(&engineServiceDesc, svc)
}

var engineServiceDesc = grpc.ServiceDesc{
	ServiceName: EngineServiceName,
	HandlerType: (*engineServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("GetBody", engineServer.GetBody),
		unaryMethod("Position", engineServer.Position),
		unaryMethod("Path", engineServer.Path),
		unaryMethod("Snapshot", engineServer.Snapshot),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "orrery/v1/engine",
}

func unaryMethod(name string, call func(engineServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	fullMethod := "/" + EngineServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(engineServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(engineServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

// GetBody returns {id, name, kind, parent, radius, color, elements?, position?}.
func (s *EngineService) GetBody(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := requiredString(req, "id")
	if err != nil {
		return nil, err
	}
	def, err := s.engine.KB.GetBody(id)
	if err != nil {
		return nil, err
	}

	doc := map[string]any{
		"id":     def.ID,
		"name":   def.Name,
		"kind":   string(def.Kind),
		"parent": def.ParentID,
		"radius": def.Radius * s.scale,
		"color":  def.Color,
	}
	if def.Kind.Keplerian() {
		el := def.Elements
		doc["elements"] = map[string]any{
			"semi_major_axis":    el.SemiMajorAxis,
			"eccentricity":       el.Eccentricity,
			"inclination_deg":    model.RadToDeg(el.Inclination),
			"arg_periapsis_deg":  model.RadToDeg(el.ArgumentOfPeriapsis),
			"ascending_node_deg": model.RadToDeg(el.LongitudeOfAscendingNode),
			"period_days":        el.Period,
		}
	}
	if st, ok, err := s.engine.KB.GetBodyState(id); err == nil && ok {
		doc["position"] = vecDoc(st.Position, s.scale)
		doc["anomaly"] = st.Orbit.Anomaly
	}
	return structpb.NewStruct(doc)
}

// Position evaluates the propagator for {id, anomaly, mode?} without touching
// simulation state.
func (s *EngineService) Position(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := requiredString(req, "id")
	if err != nil {
		return nil, err
	}
	v, ok := req.GetFields()["anomaly"]
	if !ok {
		return nil, status.Error(codes.InvalidArgument, "anomaly is required")
	}
	anomaly, isNum := v.GetKind().(*structpb.Value_NumberValue)
	if !isNum || math.IsNaN(anomaly.NumberValue) || math.IsInf(anomaly.NumberValue, 0) {
		return nil, status.Error(codes.InvalidArgument, "anomaly must be a finite number")
	}
	modeName := strings.ToLower(req.GetFields()["mode"].GetStringValue())
	mode, ok := core.ParseAnomalyMode(modeName)
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "invalid mode %q, must be true or mean", modeName)
	}

	el, err := s.engine.Elements(id)
	if err != nil {
		return nil, err
	}
	return structpb.NewStruct(map[string]any{
		"id":       id,
		"anomaly":  anomaly.NumberValue,
		"mode":     string(mode),
		"position": vecDoc(core.PropagateWithMode(el, anomaly.NumberValue, mode), s.scale),
	})
}

// Path returns {id, samples, points} with samples+1 points closing the orbit.
func (s *EngineService) Path(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := requiredString(req, "id")
	if err != nil {
		return nil, err
	}
	samples := defaultPathSamples
	if v, ok := req.GetFields()["samples"]; ok {
		n := v.GetNumberValue()
		if n != math.Trunc(n) || n < 1 || n > maxPathSamples {
			return nil, status.Errorf(codes.InvalidArgument, "samples must be an integer in 1-%d", maxPathSamples)
		}
		samples = int(n)
	}

	_, span := observability.StartSpan(ctx, tracerName, "engine.trace",
		attribute.String("orrery.body_id", id),
		attribute.Int("orrery.samples", samples),
	)
	defer span.End()

	seq, err := s.engine.Trace(id, samples)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	points := make([]any, 0, samples+1)
	for p := range seq {
		points = append(points, vecDoc(p, s.scale))
	}
	return structpb.NewStruct(map[string]any{
		"id":      id,
		"samples": float64(samples),
		"points":  points,
	})
}

// Snapshot returns the latest engine tick with absolute body positions.
func (s *EngineService) Snapshot(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	snap := s.engine.Latest()
	bodies := make([]any, 0, len(snap.Bodies))
	for _, st := range snap.Bodies {
		b := vecDoc(st.Position, s.scale)
		b["id"] = st.ID
		bodies = append(bodies, b)
	}
	return structpb.NewStruct(map[string]any{
		"tick":     float64(snap.Tick),
		"sim_time": snap.SimTime.UTC().Format(time.RFC3339Nano),
		"bodies":   bodies,
	})
}

func requiredString(req *structpb.Struct, key string) (string, error) {
	s := strings.TrimSpace(req.GetFields()[key].GetStringValue())
	if s == "" {
		return "", status.Errorf(codes.InvalidArgument, "%s is required", key)
	}
	return s, nil
}

func vecDoc(v model.Vec3, scale float64) map[string]any {
	v = v.Scale(scale)
	return map[string]any{"x": v.X, "y": v.Y, "z": v.Z}
}
