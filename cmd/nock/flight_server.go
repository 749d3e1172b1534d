package main

import (
	"errors"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-nock/internal/client"
	"github.com/23skdu/longbow-nock/internal/errdefs"
)

// NockFlightServer serves predictions over Arrow Flight. Records carry one
// list<float32> column per model input; every row is one example.
type NockFlightServer struct {
	flight.BaseFlightServer
	srv *Server
}

func NewNockFlightServer(srv *Server) *NockFlightServer {
	return &NockFlightServer{srv: srv}
}

func grpcError(err error) error {
	switch {
	case errors.Is(err, errdefs.ErrInvalidInput):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, errTooLarge):
		return status.Error(codes.ResourceExhausted, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// DoExchange answers every input record with a record of predictions.
func (s *NockFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	ctx, span := tracer.Start(stream.Context(), "DoExchange")
	defer span.End()

	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.srv.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(client.Schema(s.srv.engine.OutputNames())), ipc.WithAllocator(s.srv.alloc))
	defer writer.Close()

	for reader.Next() {
		rows, err := client.ReadRows(reader.Record())
		if err != nil {
			return grpcError(err)
		}
		if len(rows) == 0 {
			continue
		}
		out, err := s.srv.predictRows(ctx, rows)
		if err != nil {
			span.RecordError(err)
			return grpcError(err)
		}
		rec, err := s.srv.records.BuildRecord(s.srv.engine.OutputNames(), out)
		if err != nil {
			return grpcError(err)
		}
		err = writer.Write(rec)
		rec.Release()
		if err != nil {
			return err
		}
	}
	return reader.Err()
}

// DoPut predicts every uploaded row and forwards the outputs to Longbow.
func (s *NockFlightServer) DoPut(stream flight.FlightService_DoPutServer) error {
	if s.srv.flightClient == nil {
		return status.Error(codes.FailedPrecondition, "DoPut needs a Longbow server to forward to")
	}
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.srv.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	for reader.Next() {
		rows, err := client.ReadRows(reader.Record())
		if err != nil {
			return grpcError(err)
		}
		log.Debug().Int("rows", len(rows)).Msg("DoPut received batch")
		if _, err := s.srv.predictRows(stream.Context(), rows); err != nil {
			return grpcError(err)
		}
	}
	return reader.Err()
}

func StartFlightServer(addr string, srv *Server) {
	// Create the generic Flight Server which manages the GRPC lifecycle
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(NewNockFlightServer(srv))

	if err := server.Init(addr); err != nil {
		log.Fatal().Err(err).Msg("Failed to init Flight server")
	}

	log.Info().Str("addr", addr).Msg("Starting Nock Flight Server")
	if err := server.Serve(); err != nil {
		log.Fatal().Err(err).Msg("Flight server failed")
	}
}
