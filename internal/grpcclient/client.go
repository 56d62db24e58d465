package grpcclient

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/cellscope/internal/classifier"
	"github.com/example/cellscope/internal/intake"
	"github.com/example/cellscope/internal/logging"
)

// ClassifyMethod is the full gRPC method name served by the inference service.
// Requests and responses are google.protobuf.Struct messages.
const ClassifyMethod = "/cellscope.v1.Classifier/Classify"

// DialClassifier returns a ready-to-use classifier backed by the remote
// inference service.
func DialClassifier(ctx context.Context, addr string, logger *zap.Logger) (*RemoteClassifier, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(
		dialCtx,
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_classifier", "", err)
		logger.Error("failed to dial classifier", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewRemoteClassifier(conn, logger), conn, nil
}

// RemoteClassifier implements classifier.Classifier over gRPC.
type RemoteClassifier struct {
	conn   grpc.ClientConnInterface
	logger *zap.Logger
}

// NewRemoteClassifier wraps an existing connection.
func NewRemoteClassifier(conn grpc.ClientConnInterface, logger *zap.Logger) *RemoteClassifier {
	return &RemoteClassifier{conn: conn, logger: logger.Named("remote_classifier")}
}

// Classify implements classifier.Classifier.
func (r *RemoteClassifier) Classify(ctx context.Context, asset *intake.ImageAsset) (*classifier.Outcome, error) {
	if asset == nil {
		return nil, classifier.ErrNoAsset
	}

	req, err := structpb.NewStruct(map[string]interface{}{
		"image":        base64.StdEncoding.EncodeToString(asset.Raw),
		"content_type": asset.ContentType,
		"filename":     asset.Filename,
	})
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp := &structpb.Struct{}
	if err := r.conn.Invoke(ctx, ClassifyMethod, req, resp); err != nil {
		wrapped := logging.NewOperationError("grpcclient.classify", asset.ID, mapStatus(err))
		r.logger.Error("classifier call failed", zap.Error(wrapped))
		return nil, wrapped
	}

	fields := resp.GetFields()
	label, err := classifier.ParseLabel(fields["label"].GetStringValue())
	if err != nil {
		r.logger.Warn("classifier returned unknown label", zap.String("asset_id", asset.ID),
			zap.String("label", fields["label"].GetStringValue()))
		return nil, err
	}

	return &classifier.Outcome{
		ID:           uuid.NewString(),
		Label:        label,
		Confidence:   fields["confidence"].GetNumberValue(),
		SourceImage:  asset.Preview,
		ClassifiedAt: time.Now().UTC(),
	}, nil
}

func mapStatus(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", classifier.ErrInferenceTimeout, err)
	}
	switch status.Code(err) {
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %v", classifier.ErrInferenceTimeout, err)
	case codes.Unavailable:
		return fmt.Errorf("%w: %v", classifier.ErrInferenceUnavailable, err)
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %v", classifier.ErrDecodeFailure, err)
	}
	return err
}
