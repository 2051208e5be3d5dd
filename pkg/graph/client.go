// Package graph projects merge lineage into a Neo4j compatible graph over Bolt
package graph

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/Ramsey-B/clover/pkg/tracing"
)

// Client runs lineage statements against a Bolt endpoint.
type Client struct {
	driver neo4j.DriverWithContext
	logger ectologger.Logger
}

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
}

// URI is the bolt:// address for cfg.
func (cfg Config) URI() string {
	return fmt.Sprintf("bolt://%s:%d", cfg.Host, cfg.Port)
}

func (cfg Config) auth() neo4j.AuthToken {
	if cfg.Username == "" {
		return neo4j.NoAuth()
	}
	return neo4j.BasicAuth(cfg.Username, cfg.Password, "")
}

// NewClient builds the driver. Connectivity is not checked until
// VerifyConnectivity or the first statement.
func NewClient(cfg Config, logger ectologger.Logger) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI(), cfg.auth())
	if err != nil {
		return nil, fmt.Errorf("graph driver for %s: %w", cfg.URI(), err)
	}
	return &Client{driver: driver, logger: logger}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

func (c *Client) VerifyConnectivity(ctx context.Context) error {
	return c.driver.VerifyConnectivity(ctx)
}

// RunWrite runs one statement in a managed write transaction.
func (c *Client) RunWrite(ctx context.Context, cypher string, params map[string]any) error {
	_, err := c.execute(ctx, "graph.Client.RunWrite", neo4j.AccessModeWrite, cypher, params, func(ctx context.Context, res neo4j.ResultWithContext) (any, error) {
		return res.Consume(ctx)
	})
	return err
}

// RunRead runs one query in a managed read transaction and collects its records.
func (c *Client) RunRead(ctx context.Context, cypher string, params map[string]any) ([]*neo4j.Record, error) {
	out, err := c.execute(ctx, "graph.Client.RunRead", neo4j.AccessModeRead, cypher, params, func(ctx context.Context, res neo4j.ResultWithContext) (any, error) {
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, err
	}
	return out.([]*neo4j.Record), nil
}

func (c *Client) execute(
	ctx context.Context,
	spanName string,
	mode neo4j.AccessMode,
	cypher string,
	params map[string]any,
	drain func(context.Context, neo4j.ResultWithContext) (any, error),
) (any, error) {
	ctx, span := tracing.StartSpan(ctx, spanName)
	defer span.End()

	session := c.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: mode})
	defer session.Close(ctx)

	work := func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		return drain(ctx, res)
	}

	var (
		out any
		err error
	)
	if mode == neo4j.AccessModeWrite {
		out, err = session.ExecuteWrite(ctx, work)
	} else {
		out, err = session.ExecuteRead(ctx, work)
	}
	if err != nil {
		c.logger.WithContext(ctx).WithError(err).Warnf("graph statement failed in %s", spanName)
		tracing.Fail(span, err)
	}
	return out, err
}
