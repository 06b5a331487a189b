package services

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"
)

// SignatureVerifier checks the X-Apple-Notification-Signature header on
// App Store webhooks: an ECDSA signature over timestamp.body with an x5c
// certificate chain rooted at Apple.
type SignatureVerifier struct {
	certCache    map[string]*x509.Certificate
	mutex        sync.RWMutex
	certCacheTTL time.Duration
}

// NewSignatureVerifier creates a signature verifier
func NewSignatureVerifier() *SignatureVerifier {
	return &SignatureVerifier{
		certCache:    make(map[string]*x509.Certificate),
		certCacheTTL: time.Hour * 24,
	}
}

// SignatureInfo is the decoded signature header
type SignatureInfo struct {
	CertificateChain []string `json:"x5c"`
	Timestamp        int64    `json:"timestamp"`
	Signature        string   `json:"signature"`
}

// VerifyNotification verifies a webhook body against its signature header
func (v *SignatureVerifier) VerifyNotification(notificationBody []byte, signatureHeader string) error {
	if signatureHeader == "" {
		return fmt.Errorf("missing X-Apple-Notification-Signature header")
	}

	signature, err := v.extractSignature(signatureHeader)
	if err != nil {
		return fmt.Errorf("failed to extract signature: %w", err)
	}

	certChain, err := v.getCertificateChain(signature.CertificateChain)
	if err != nil {
		return fmt.Errorf("failed to get certificate chain: %w", err)
	}

	if err := v.verifyCertificateChain(certChain); err != nil {
		return fmt.Errorf("failed to verify certificate chain: %w", err)
	}

	if err := v.verifySignature(notificationBody, signature, certChain[0]); err != nil {
		return fmt.Errorf("failed to verify signature: %w", err)
	}

	if err := v.verifyTimestamp(signature.Timestamp); err != nil {
		return fmt.Errorf("failed to verify timestamp: %w", err)
	}

	return nil
}

func (v *SignatureVerifier) extractSignature(signatureHeader string) (*SignatureInfo, error) {
	signatureData, err := base64.StdEncoding.DecodeString(signatureHeader)
	if err != nil {
		return nil, fmt.Errorf("failed to decode signature: %w", err)
	}

	var signatureInfo SignatureInfo
	if err := json.Unmarshal(signatureData, &signatureInfo); err != nil {
		return nil, fmt.Errorf("failed to unmarshal signature info: %w", err)
	}

	return &signatureInfo, nil
}

func (v *SignatureVerifier) getCertificateChain(certChain []string) ([]*x509.Certificate, error) {
	var certificates []*x509.Certificate

	for _, certPEM := range certChain {
		v.mutex.RLock()
		if cert, exists := v.certCache[certPEM]; exists {
			certificates = append(certificates, cert)
			v.mutex.RUnlock()
			continue
		}
		v.mutex.RUnlock()

		cert, err := v.parseCertificate(certPEM)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}

		v.mutex.Lock()
		v.certCache[certPEM] = cert
		v.mutex.Unlock()

		certificates = append(certificates, cert)
	}

	return certificates, nil
}

func (v *SignatureVerifier) parseCertificate(certPEM string) (*x509.Certificate, error) {
	if !strings.HasPrefix(certPEM, "-----BEGIN CERTIFICATE-----") {
		certPEM = "-----BEGIN CERTIFICATE-----\n" + certPEM + "\n-----END CERTIFICATE-----"
	}

	block, _ := pem.Decode([]byte(certPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	return cert, nil
}

func (v *SignatureVerifier) verifyCertificateChain(certChain []*x509.Certificate) error {
	if len(certChain) == 0 {
		return fmt.Errorf("empty certificate chain")
	}

	for i, cert := range certChain {
		now := time.Now()
		if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
			return fmt.Errorf("certificate %d is expired or not yet valid", i)
		}

		if i > 0 {
			parentCert := certChain[i-1]
			if err := cert.CheckSignatureFrom(parentCert); err != nil {
				return fmt.Errorf("certificate %d signature verification failed: %w", i, err)
			}
		}
	}

	rootCert := certChain[len(certChain)-1]
	if !v.isAppleRootCertificate(rootCert) {
		return fmt.Errorf("invalid root certificate: not from Apple")
	}

	return nil
}

func (v *SignatureVerifier) isAppleRootCertificate(cert *x509.Certificate) bool {
	appleSubjects := []string{
		"Apple Root CA",
		"Apple Inc.",
		"Apple Computer, Inc.",
	}

	for _, subject := range appleSubjects {
		if strings.Contains(cert.Subject.String(), subject) {
			return true
		}
	}

	return false
}

func (v *SignatureVerifier) verifySignature(notificationBody []byte, signature *SignatureInfo, cert *x509.Certificate) error {
	signatureBytes, err := base64.StdEncoding.DecodeString(signature.Signature)
	if err != nil {
		return fmt.Errorf("failed to decode signature: %w", err)
	}

	signatureData := v.createSignatureData(notificationBody, signature.Timestamp)
	hash := sha256.Sum256(signatureData)

	publicKey, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("certificate does not contain ECDSA public key")
	}

	if len(signatureBytes) != 64 {
		return fmt.Errorf("invalid signature length: expected 64, got %d", len(signatureBytes))
	}
	rBig := new(big.Int).SetBytes(signatureBytes[:32])
	sBig := new(big.Int).SetBytes(signatureBytes[32:])

	if !ecdsa.Verify(publicKey, hash[:], rBig, sBig) {
		return fmt.Errorf("signature verification failed")
	}

	return nil
}

// createSignatureData builds the signed message: timestamp + "." + body
func (v *SignatureVerifier) createSignatureData(notificationBody []byte, timestamp int64) []byte {
	timestampStr := fmt.Sprintf("%d", timestamp)
	return []byte(timestampStr + "." + string(notificationBody))
}

// verifyTimestamp allows a 5 minute clock skew window
func (v *SignatureVerifier) verifyTimestamp(timestamp int64) error {
	now := time.Now().Unix()

	timeDiff := now - timestamp
	if timeDiff < -300 || timeDiff > 300 {
		return fmt.Errorf("timestamp is too old or too far in the future: %d seconds difference", timeDiff)
	}

	return nil
}
