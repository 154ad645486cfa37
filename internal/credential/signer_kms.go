package credential

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/meridianid/msid-go/internal/autherr"
)

// KMSClient defines the AWS API surface required for KMS signing.
type KMSClient interface {
	Sign(ctx context.Context, in *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error)
	GetPublicKey(ctx context.Context, in *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
}

// kmsSigner implements Signer for an RSA key held in AWS KMS. The key
// material never enters process memory; KeyLength is derived from the
// public key at construction.
type kmsSigner struct {
	client KMSClient
	arn    string
	bits   int
}

// NewKMSSigner creates a Signer for the KMS key identified by arn, using
// the default AWS configuration chain.
func NewKMSSigner(ctx context.Context, arn string) (Signer, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not load AWS configuration: %w", err)
	}
	return NewKMSSignerWithClient(ctx, kms.NewFromConfig(cfg), arn)
}

// NewKMSSignerWithClient creates a Signer for the KMS key identified by arn
// using the supplied client. The key's public half is fetched once to
// establish the modulus length for the key-size invariant.
func NewKMSSignerWithClient(ctx context.Context, client KMSClient, arn string) (Signer, error) {
	out, err := client.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: aws.String(arn)})
	if err != nil {
		return nil, fmt.Errorf("could not fetch KMS public key: %w", err)
	}

	pub, err := x509.ParsePKIXPublicKey(out.PublicKey)
	if err != nil {
		return nil, &autherr.CryptoError{Op: "KMS public key parsing", Err: err}
	}

	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, autherr.Configf("KMS key %s is not an RSA key, got %T", arn, pub)
	}

	return &kmsSigner{client: client, arn: arn, bits: rsaPub.N.BitLen()}, nil
}

func (s *kmsSigner) SignRS256(ctx context.Context, payload []byte) ([]byte, error) {
	hash := sha256.Sum256(payload)
	out, err := s.client.Sign(ctx, &kms.SignInput{
		KeyId:            aws.String(s.arn),
		Message:          hash[:],
		MessageType:      types.MessageTypeDigest,
		SigningAlgorithm: types.SigningAlgorithmSpecRsassaPkcs1V15Sha256,
	})
	if err != nil {
		return nil, &autherr.CryptoError{Op: "KMS signing", Err: err}
	}
	return out.Signature, nil
}

func (s *kmsSigner) KeyLength() int {
	return s.bits
}
