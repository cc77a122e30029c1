package encryption

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"otp-service/internal/config"
	"otp-service/internal/hashing"
	"otp-service/internal/util"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"go.uber.org/zap"
)

var (
	ErrDecryptionFailed = errors.New("pepper decryption failed")
	ErrPepperRequired   = errors.New("a hashing pepper is required in production")
)

// Decrypter is the slice of the KMS API the resolver needs.
type Decrypter interface {
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// PepperResolver decides where the hashing pepper comes from: a KMS-encrypted
// blob, a plaintext env value, or (outside production) a random value that
// lives as long as the process.
type PepperResolver struct {
	config    *config.Config
	kmsClient Decrypter
	random    io.Reader
}

func NewPepperResolver(cfg *config.Config, kmsClient Decrypter) *PepperResolver {
	return &PepperResolver{
		config:    cfg,
		kmsClient: kmsClient,
		random:    rand.Reader,
	}
}

// NewKMSClient builds a KMS client from the default AWS credential chain.
func NewKMSClient(ctx context.Context, region string) (*kms.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return kms.NewFromConfig(awsCfg), nil
}

func (r *PepperResolver) Resolve(ctx context.Context) (hashing.Pepper, *hashing.Pepper, error) {
	hc := r.config.Hashing

	var previous *hashing.Pepper
	if hc.PreviousPepper != "" && hc.PreviousPepperVersion > 0 {
		previous = &hashing.Pepper{Value: []byte(hc.PreviousPepper), Version: hc.PreviousPepperVersion}
	}

	if r.config.KMS.Enabled {
		value, err := r.decrypt(ctx, r.config.KMS.PepperCiphertext)
		if err != nil {
			return hashing.Pepper{}, nil, err
		}
		util.Info("Hashing pepper loaded from KMS", zap.Int("version", hc.PepperVersion))
		return hashing.Pepper{Value: value, Version: hc.PepperVersion}, previous, nil
	}

	if hc.Pepper != "" {
		return hashing.Pepper{Value: []byte(hc.Pepper), Version: hc.PepperVersion}, previous, nil
	}

	if r.config.IsProduction() {
		return hashing.Pepper{}, nil, ErrPepperRequired
	}

	value := make([]byte, 32)
	if _, err := io.ReadFull(r.random, value); err != nil {
		return hashing.Pepper{}, nil, fmt.Errorf("failed to generate pepper: %w", err)
	}
	util.Warn("No hashing pepper configured, using a random per-process pepper",
		zap.String("environment", r.config.Environment),
		zap.String("store_backend", r.config.Store.Backend),
	)
	return hashing.Pepper{Value: value, Version: hc.PepperVersion}, nil, nil
}

func (r *PepperResolver) decrypt(ctx context.Context, ciphertext string) ([]byte, error) {
	if r.kmsClient == nil {
		return nil, fmt.Errorf("%w: kms client not configured", ErrDecryptionFailed)
	}

	blob, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext is not base64: %v", ErrDecryptionFailed, err)
	}

	out, err := r.kmsClient.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: blob})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	if len(out.Plaintext) == 0 {
		return nil, fmt.Errorf("%w: empty plaintext", ErrDecryptionFailed)
	}

	return out.Plaintext, nil
}
