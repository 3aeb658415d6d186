package client

import (
	"context"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Putter uploads a RecordBatch to a named dataset.
type Putter interface {
	DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error
	Close() error
}

var _ Putter = (*FlightClient)(nil)

// FlightClient sends record batches to a Longbow server over Arrow Flight.
type FlightClient struct {
	client flight.Client
	conn   *grpc.ClientConn
}

func NewFlightClient(addr string) (*FlightClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, errors.Wrapf(err, "flight: dial %s", addr)
	}
	return &FlightClient{
		client: flight.NewClientFromConn(conn, nil),
		conn:   conn,
	}, nil
}

// DoPut writes record to the dataset and waits until the server has
// consumed the stream.
func (c *FlightClient) DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error {
	stream, err := c.client.DoPut(ctx)
	if err != nil {
		return errors.Wrap(err, "flight: open DoPut")
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(record.Schema()))
	writer.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{datasetName},
	})
	if err := writer.Write(record); err != nil {
		_ = writer.Close()
		return errors.Wrapf(err, "flight: write to %s", datasetName)
	}
	if err := writer.Close(); err != nil {
		return errors.Wrap(err, "flight: close writer")
	}
	if err := stream.CloseSend(); err != nil {
		return errors.Wrap(err, "flight: close send")
	}
	for {
		if _, err := stream.Recv(); err != nil {
			if err == io.EOF {
				return nil
			}
			return errors.Wrapf(err, "flight: put to %s", datasetName)
		}
	}
}

func (c *FlightClient) Close() error {
	return c.conn.Close()
}
