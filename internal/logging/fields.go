package logging

const (
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"
	FieldClientIP  = "client_ip"
	FieldService   = "service"

	FieldUserID     = "user_id"
	FieldFrom       = "from"
	FieldTo         = "to"
	FieldMessageID  = "message_id"
	FieldSeq        = "seq"
	FieldConnID     = "conn_id"
	FieldReason     = "reason"
	FieldGRPCMethod = "grpc_method"
	FieldGRPCCode   = "grpc_code"
	FieldRoutingKey = "routing_key"
	FieldDurationMS = "duration_ms"
)
