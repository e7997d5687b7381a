package vectorstore

import (
	"context"
	"fmt"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// QdrantConfig holds connection settings for a Qdrant instance.
type QdrantConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Point is one stored knowledge chunk.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]string
}

// Query selects the nearest chunks, optionally restricted by payload field.
type Query struct {
	Vector         []float32
	Limit          uint64
	ScoreThreshold float32
	// FilterKey/FilterValues restrict hits to points whose payload field
	// matches any of the values.
	FilterKey    string
	FilterValues []string
}

// SearchResult holds a single vector search hit.
type SearchResult struct {
	ID      string
	Score   float32
	Payload map[string]string
}

// Client wraps gRPC connections to Qdrant's collections and points services.
type Client struct {
	conn        *grpc.ClientConn
	collections pb.CollectionsClient
	points      pb.PointsClient
}

// NewClient dials the Qdrant gRPC endpoint. The connection is lazy.
func NewClient(cfg QdrantConfig) (*Client, error) {
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect %s: %w", addr, err)
	}
	return &Client{
		conn:        conn,
		collections: pb.NewCollectionsClient(conn),
		points:      pb.NewPointsClient(conn),
	}, nil
}

// EnsureCollection creates the named collection if it does not already exist.
func (c *Client) EnsureCollection(ctx context.Context, name string, dimension uint64) error {
	if _, err := c.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: name}); err == nil {
		return nil
	}
	_, err := c.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: name,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     dimension,
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", name, err)
	}
	return nil
}

// Upsert inserts or updates points in the given collection.
func (c *Client) Upsert(ctx context.Context, collection string, points ...Point) error {
	if len(points) == 0 {
		return nil
	}
	structs := make([]*pb.PointStruct, 0, len(points))
	for _, p := range points {
		payload := make(map[string]*pb.Value, len(p.Payload))
		for k, v := range p.Payload {
			payload[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: v}}
		}
		structs = append(structs, &pb.PointStruct{
			Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: p.ID}},
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: p.Vector}}},
			Payload: payload,
		})
	}
	wait := true
	if _, err := c.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: collection,
		Wait:           &wait,
		Points:         structs,
	}); err != nil {
		return fmt.Errorf("upsert %s: %w", collection, err)
	}
	return nil
}

// Search performs a nearest-neighbor search.
func (c *Client) Search(ctx context.Context, collection string, q Query) ([]*SearchResult, error) {
	req := &pb.SearchPoints{
		CollectionName: collection,
		Vector:         q.Vector,
		Limit:          q.Limit,
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}
	if q.ScoreThreshold > 0 {
		threshold := q.ScoreThreshold
		req.ScoreThreshold = &threshold
	}
	if q.FilterKey != "" && len(q.FilterValues) > 0 {
		req.Filter = &pb.Filter{Must: []*pb.Condition{{
			ConditionOneOf: &pb.Condition_Field{Field: &pb.FieldCondition{
				Key: q.FilterKey,
				Match: &pb.Match{MatchValue: &pb.Match_Keywords{
					Keywords: &pb.RepeatedStrings{Strings: q.FilterValues},
				}},
			}},
		}}}
	}

	resp, err := c.points.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", collection, err)
	}
	results := make([]*SearchResult, 0, len(resp.Result))
	for _, r := range resp.Result {
		payload := make(map[string]string, len(r.Payload))
		for k, v := range r.Payload {
			if sv, ok := v.Kind.(*pb.Value_StringValue); ok {
				payload[k] = sv.StringValue
			}
		}
		results = append(results, &SearchResult{
			ID:      r.Id.GetUuid(),
			Score:   r.Score,
			Payload: payload,
		})
	}
	return results, nil
}

// Close tears down the underlying gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
