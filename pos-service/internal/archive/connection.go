package archive

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
)

// ConnectOptions tunes the archive connection. Zero values use the defaults below.
type ConnectOptions struct {
	AppName string
	// OpTimeout bounds every archive operation, including server selection.
	OpTimeout time.Duration
}

const defaultOpTimeout = 5 * time.Second

// ConnectMongoDB opens the archive database. Archived cajas are acknowledged by a
// journaled majority and read from the primary, so History sees a close as soon as
// Archive returns.
func ConnectMongoDB(ctx context.Context, uri, database string, opts ConnectOptions) (*mongo.Database, error) {
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = defaultOpTimeout
	}
	journaled := true
	clientOpts := options.Client().
		ApplyURI(uri).
		SetAppName(opts.AppName).
		SetConnectTimeout(10 * time.Second).
		SetServerSelectionTimeout(opts.OpTimeout).
		SetTimeout(opts.OpTimeout).
		SetMaxPoolSize(10).
		SetRetryWrites(true).
		SetReadPreference(readpref.Primary()).
		SetWriteConcern(&writeconcern.WriteConcern{W: "majority", Journal: &journaled})

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB primary: %w", err)
	}

	return client.Database(database), nil
}
