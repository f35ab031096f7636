package icap

import "context"

// EchoService answers every request with the adapted message unchanged:
// the HTTP request for REQMOD and the HTTP response for RESPMOD.
type EchoService struct {
	cfg ServiceConfig
}

// NewEchoService returns an echo service accepting both methods with a
// 1024-byte preview.
func NewEchoService() *EchoService {
	return &EchoService{cfg: ServiceConfig{
		Name:           "echo",
		Methods:        []Method{MethodReqMod, MethodRespMod},
		PreviewSize:    Preview(1024),
		OptionsTTL:     60,
		MaxConnections: 1000,
	}}
}

func (s *EchoService) Config() *ServiceConfig { return &s.cfg }

func (s *EchoService) Process(ctx context.Context, w ResponseWriter, req *Request) error {
	if !req.AllDataReceived() {
		if _, err := req.Remainder(); err != nil {
			return err
		}
	}

	resp := w.NewResponse(StatusOK)
	reqHdr, resHdr := req.RequestHeader, req.ResponseHeader
	body := req.RequestBody
	if req.Method == MethodRespMod {
		body = req.ResponseBody
	}

	switch {
	case req.Method == MethodRespMod && resHdr != nil:
		resp.Add(resHdr)
	case req.Method == MethodReqMod && reqHdr != nil:
		resp.Add(reqHdr)
	case resHdr != nil:
		resp.Add(resHdr)
	case reqHdr != nil:
		resp.Add(reqHdr)
	}
	if body == nil {
		body = req.Body()
	}
	if body != nil {
		resp.Add(body)
	} else {
		resp.Add(NullBody{})
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	return w.WriteResponse(resp)
}
