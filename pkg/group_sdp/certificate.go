package group_sdp

import (
	_ "crypto/sha256" // регистрация sha-256 для crypto.Hash
	"crypto/tls"
	"crypto/x509"
	"strings"

	"github.com/pion/dtls/v2/pkg/crypto/fingerprint"
	"github.com/pion/dtls/v2/pkg/crypto/selfsign"
)

// DefaultFingerprintHash алгоритм отпечатка по умолчанию
const DefaultFingerprintHash = "sha-256"

// GenerateCertificate создает самоподписанный сертификат для DTLS
func GenerateCertificate() (tls.Certificate, error) {
	cert, err := selfsign.GenerateSelfSigned()
	if err != nil {
		return tls.Certificate{}, WrapCodecError(ErrorCodeCertificate, err, "не удалось создать сертификат")
	}
	return cert, nil
}

// FingerprintFromCertificate вычисляет отпечаток сертификата в формате
// атрибута a=fingerprint (верхний регистр, байты через двоеточие)
func FingerprintFromCertificate(cert tls.Certificate, hash, setup string) (Fingerprint, error) {
	if len(cert.Certificate) == 0 {
		return Fingerprint{}, NewCodecError(ErrorCodeCertificate, "сертификат пуст")
	}
	if hash == "" {
		hash = DefaultFingerprintHash
	}

	algo, err := fingerprint.HashFromString(hash)
	if err != nil {
		return Fingerprint{}, WrapCodecError(ErrorCodeCertificate, err, "неизвестный алгоритм %s", hash)
	}

	parsed, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return Fingerprint{}, WrapCodecError(ErrorCodeCertificate, err, "не удалось разобрать сертификат")
	}

	value, err := fingerprint.Fingerprint(parsed, algo)
	if err != nil {
		return Fingerprint{}, WrapCodecError(ErrorCodeCertificate, err, "не удалось вычислить отпечаток")
	}

	return Fingerprint{
		Hash:        hash,
		Setup:       setup,
		Fingerprint: strings.ToUpper(value),
	}, nil
}
