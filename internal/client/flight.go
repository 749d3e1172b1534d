package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Options configures a FlightClient.
type Options struct {
	// MaxFailures consecutive failed calls open the circuit breaker.
	MaxFailures int
	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration
}

// DefaultOptions opens the breaker after 5 failures for 30 seconds.
func DefaultOptions() Options {
	return Options{MaxFailures: 5, Cooldown: 30 * time.Second}
}

// FlightClient talks to a Flight server: it forwards predictions to a
// Longbow dataset with DoPut and requests predictions from a nock server
// with DoExchange.
type FlightClient struct {
	client  flight.Client
	conn    *grpc.ClientConn
	breaker *CircuitBreaker
	alloc   memory.Allocator
}

// NewFlightClient creates a new Flight client connected to the given address.
func NewFlightClient(addr string, opts Options) (*FlightClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	return &FlightClient{
		client:  flight.NewClientFromConn(conn, nil),
		conn:    conn,
		breaker: NewCircuitBreaker(opts.MaxFailures, opts.Cooldown),
		alloc:   memory.NewGoAllocator(),
	}, nil
}

// Breaker returns the circuit breaker guarding every call.
func (c *FlightClient) Breaker() *CircuitBreaker { return c.breaker }

func (c *FlightClient) guard(method string, call func() error) error {
	if !c.breaker.Allow() {
		flightCalls.WithLabelValues(method, "rejected").Inc()
		return fmt.Errorf("%s: %w", method, ErrCircuitOpen)
	}
	if err := call(); err != nil {
		c.breaker.Failure()
		flightCalls.WithLabelValues(method, "error").Inc()
		return fmt.Errorf("%s: %w", method, err)
	}
	c.breaker.Success()
	flightCalls.WithLabelValues(method, "ok").Inc()
	return nil
}

// DoPut sends a RecordBatch to the given dataset and waits for the server
// to acknowledge the stream.
func (c *FlightClient) DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error {
	return c.guard("DoPut", func() error {
		stream, err := c.client.DoPut(ctx)
		if err != nil {
			return err
		}

		writer := flight.NewRecordWriter(stream, ipc.WithSchema(record.Schema()))
		writer.SetFlightDescriptor(&flight.FlightDescriptor{
			Type: flight.DescriptorPATH,
			Path: []string{datasetName},
		})
		if err := writer.Write(record); err != nil {
			_ = writer.Close()
			return err
		}
		if err := writer.Close(); err != nil {
			return err
		}
		if err := stream.CloseSend(); err != nil {
			return err
		}
		for {
			if _, err := stream.Recv(); err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
		}
	})
}

// Exchange sends one record of examples to a DoExchange prediction server
// and returns one output row per input row.
func (c *FlightClient) Exchange(ctx context.Context, record arrow.RecordBatch) ([]map[string][]float32, error) {
	var rows []map[string][]float32
	err := c.guard("DoExchange", func() error {
		stream, err := c.client.DoExchange(ctx)
		if err != nil {
			return err
		}

		writer := flight.NewRecordWriter(stream, ipc.WithSchema(record.Schema()))
		if err := writer.Write(record); err != nil {
			_ = writer.Close()
			return err
		}
		if err := writer.Close(); err != nil {
			return err
		}
		if err := stream.CloseSend(); err != nil {
			return err
		}

		reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(c.alloc))
		if err != nil {
			return err
		}
		defer reader.Release()
		for reader.Next() {
			out, err := ReadRows(reader.Record())
			if err != nil {
				return err
			}
			rows = append(rows, out...)
		}
		if err := reader.Err(); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Close closes the client connection.
func (c *FlightClient) Close() error {
	return c.conn.Close()
}
