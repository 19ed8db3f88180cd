package multisig

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	logger "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/TEENet-io/atlas-bridge/agreement"
	"github.com/TEENet-io/atlas-bridge/common"
	"github.com/TEENet-io/atlas-bridge/config"
)

const (
	signMethod      = "/mpc.Signer/Sign"
	publicKeyMethod = "/mpc.Signer/PublicKey"
)

// RemoteSigner asks the MPC network for signatures over gRPC. Messages are
// generic structpb structs so no generated stubs are needed.
type RemoteSigner struct {
	conn      *grpc.ClientConn
	accountID string
	timeout   time.Duration
	rootKey   *btcec.PublicKey
}

// createTLSConfig loads the client cert/key pair and the CA that signed the
// signer's server certificate.
func createTLSConfig(certFilePath, keyFilePath, serverCaCertFilePath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFilePath, keyFilePath)
	if err != nil {
		return nil, fmt.Errorf("load client certificate and key: %w", err)
	}

	caCertPool := x509.NewCertPool()
	caCert, err := os.ReadFile(serverCaCertFilePath)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, errors.New("no certificate found in server CA file")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      caCertPool,
	}, nil
}

func NewRemoteSigner(cfg *config.SignerConfig) (*RemoteSigner, error) {
	creds := insecure.NewCredentials()
	if cfg.Cert != "" {
		tlsConfig, err := createTLSConfig(cfg.Cert, cfg.Key, cfg.ServerCACert)
		if err != nil {
			return nil, err
		}
		creds = credentials.NewTLS(tlsConfig)
	} else {
		logger.Warn("signer connection is not encrypted")
	}

	conn, err := grpc.NewClient(cfg.Endpoint, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, err
	}

	rs := newRemoteSigner(conn, cfg.AccountID, cfg.Timeout)
	if cfg.RootPubKey != "" {
		raw, err := hex.DecodeString(common.Trim0xPrefix(cfg.RootPubKey))
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("root_public_key: %w", err)
		}
		if rs.rootKey, err = btcec.ParsePubKey(raw); err != nil {
			conn.Close()
			return nil, fmt.Errorf("root_public_key: %w", err)
		}
	}
	return rs, nil
}

func newRemoteSigner(conn *grpc.ClientConn, accountID string, timeout time.Duration) *RemoteSigner {
	return &RemoteSigner{conn: conn, accountID: accountID, timeout: timeout}
}

func (rs *RemoteSigner) Close() error {
	return rs.conn.Close()
}

func (rs *RemoteSigner) invoke(ctx context.Context, method string, in map[string]interface{}) (map[string]interface{}, error) {
	if rs.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rs.timeout)
		defer cancel()
	}
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, err
	}
	resp := &structpb.Struct{}
	if err := rs.conn.Invoke(ctx, method, req, resp); err != nil {
		return nil, agreement.Transient(fmt.Errorf("%s: %w", method, err))
	}
	return resp.AsMap(), nil
}

func (rs *RemoteSigner) Sign(ctx context.Context, payload [32]byte, path string) (*SignResponse, error) {
	out, err := rs.invoke(ctx, signMethod, map[string]interface{}{
		"payload":    hex.EncodeToString(payload[:]),
		"path":       path,
		"account_id": rs.accountID,
	})
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	resp := &SignResponse{}
	if err := json.Unmarshal(raw, resp); err != nil {
		return nil, fmt.Errorf("decode sign response: %w", err)
	}
	return resp, nil
}

func (rs *RemoteSigner) RootPublicKey(ctx context.Context) (*btcec.PublicKey, error) {
	if rs.rootKey != nil {
		return rs.rootKey, nil
	}
	out, err := rs.invoke(ctx, publicKeyMethod, map[string]interface{}{"account_id": rs.accountID})
	if err != nil {
		return nil, err
	}
	str, ok := out["public_key"].(string)
	if !ok {
		return nil, errors.New("signer returned no public_key")
	}
	raw, err := hex.DecodeString(common.Trim0xPrefix(str))
	if err != nil {
		return nil, err
	}
	pub, err := btcec.ParsePubKey(raw)
	if err != nil {
		return nil, err
	}
	rs.rootKey = pub
	return pub, nil
}

// NewSigner picks the signer implementation named by cfg.Mode.
func NewSigner(cfg *config.SignerConfig) (Signer, error) {
	switch cfg.Mode {
	case "local":
		key, err := hex.DecodeString(common.Trim0xPrefix(cfg.LocalRootKey))
		if err != nil {
			return nil, fmt.Errorf("local_root_key: %w", err)
		}
		return NewLocalSigner(key, cfg.AccountID)
	case "remote", "":
		return NewRemoteSigner(cfg)
	}
	return nil, fmt.Errorf("unknown signer mode %q", cfg.Mode)
}
