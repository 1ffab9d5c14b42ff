package rest

// ErrorResponse is the JSON body returned for any non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StatusResponse acknowledges a state-changing request.
type StatusResponse struct {
	Status string `json:"status"`
}

// StartRequest is the POST /api/v1/start body. With dst_ip set it drives
// the packet generator at that destination, mirroring the CLI's `flood`
// arguments; with dst_ip empty it arms the configured flow workload
// (the live configuration's first flow) instead.
type StartRequest struct {
	PortID     int     `json:"port_id"`
	DstIP      string  `json:"dst_ip"`
	RatePPS    float64 `json:"rate_pps"`
	DurationS  float64 `json:"duration_s"`
	PayloadLen int     `json:"payload_len"`
}

// ProfileSummary is one entry of GET /api/v1/profiles.
type ProfileSummary struct {
	Name      string `json:"name"`
	Version   int    `json:"version"`
	CreatedAt string `json:"created_at"`
}
