package translog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/greaterdan/aimcore/pkg/contracts"
)

// Anchor publishes a checkpoint to an external, append-only location that
// the ledger operator cannot quietly rewrite. It returns a URI auditors can
// fetch the anchor record from.
type Anchor interface {
	Publish(ctx context.Context, cp *contracts.Checkpoint, sigs []contracts.WitnessSignature) (string, error)
}

// anchorRecord is the serialized form stored at the anchor location.
type anchorRecord struct {
	CheckpointID string                       `json:"checkpoint_id"`
	MerkleRoot   string                       `json:"merkle_root"`
	TreeSize     int64                        `json:"tree_size"`
	TXT          string                       `json:"txt"`
	Witnesses    []contracts.WitnessSignature `json:"witness_signatures"`
	PublishedAt  time.Time                    `json:"published_at"`
}

// s3API is the slice of the S3 client used here.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Anchor writes anchor records to an object store bucket. Bucket
// versioning or object lock is expected to make writes effectively
// append-only.
type S3Anchor struct {
	client s3API
	bucket string
	prefix string
	clock  func() time.Time
}

// NewS3Anchor creates an anchor publisher for the given bucket. prefix may
// be empty.
func NewS3Anchor(client *s3.Client, bucket, prefix string) *S3Anchor {
	return &S3Anchor{client: client, bucket: bucket, prefix: prefix, clock: time.Now}
}

// Publish implements Anchor.
func (a *S3Anchor) Publish(ctx context.Context, cp *contracts.Checkpoint, sigs []contracts.WitnessSignature) (string, error) {
	rec := anchorRecord{
		CheckpointID: cp.ID,
		MerkleRoot:   cp.MerkleRoot,
		TreeSize:     cp.TreeSize,
		TXT:          "aim-checkpoint=" + cp.MerkleRoot,
		Witnesses:    sigs,
		PublishedAt:  a.clock().UTC(),
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}

	key := a.prefix + "checkpoints/" + cp.ID + ".json"
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("put anchor object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", a.bucket, key), nil
}

// NoopAnchor records nothing. Used when no anchor backend is configured;
// the checkpoint still transitions to published with a local URI.
type NoopAnchor struct{}

// Publish implements Anchor.
func (NoopAnchor) Publish(_ context.Context, cp *contracts.Checkpoint, _ []contracts.WitnessSignature) (string, error) {
	return "local://checkpoints/" + cp.ID, nil
}
