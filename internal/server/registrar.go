package server

import "google.golang.org/grpc"

// Registrar is implemented by anything that can attach a gRPC service
// to the server. The matchmaking wire protocol lives outside this repo,
// so today only health and reflection are registered.
type Registrar interface {
	Register(s *grpc.Server)
}
