package guard

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Claims is the decrypted payload of a bearer token.
type Claims struct {
	UserID string     `json:"UserID"`
	Claim  ClaimLists `json:"Claim"`
	// Additional entries become "$"-prefixed input fields. The wire name is
	// the one issued by the token service.
	Additional map[string]json.RawMessage `json:"Addtional,omitempty"`
}

// ClaimLists carries the allow-lists of a token.
type ClaimLists struct {
	AllowApplications []string `json:"AllowApplications"`
	AllowProjects     []string `json:"AllowProjects"`
}

// AllowsApplication reports whether app is in the application allow-list.
func (c *Claims) AllowsApplication(app string) bool {
	return containsString(c.Claim.AllowApplications, app)
}

// AllowsProject reports whether project is in the project allow-list.
func (c *Claims) AllowsProject(project string) bool {
	return containsString(c.Claim.AllowProjects, project)
}

const tokenKeySize = 32

// tokenKey pads the operator id with spaces to 32 bytes.
func tokenKey(operatorID string) []byte {
	key := []byte(operatorID)
	if len(key) >= tokenKeySize {
		return key[:tokenKeySize]
	}
	return append(key, bytes.Repeat([]byte(" "), tokenKeySize-len(key))...)
}

// ParseToken validates "base64(userID).base64(AES(claims))" against the
// declared operator id and returns the decrypted claims.
func ParseToken(token, operatorID string) (*Claims, error) {
	idx := strings.Index(token, ".")
	if idx < 0 {
		return nil, fmt.Errorf("token has no segment separator")
	}
	userPart, claimPart := token[:idx], token[idx+1:]

	userID, err := base64.StdEncoding.DecodeString(userPart)
	if err != nil {
		return nil, fmt.Errorf("token user segment: %w", err)
	}
	if string(userID) != operatorID {
		return nil, fmt.Errorf("token user does not match operator")
	}

	plain, err := decryptSegment(claimPart, tokenKey(operatorID))
	if err != nil {
		return nil, err
	}

	var claims Claims
	if err := json.Unmarshal(plain, &claims); err != nil {
		return nil, fmt.Errorf("token claims: %w", err)
	}
	return &claims, nil
}

// IssueToken builds a token for operatorID carrying claims. The inverse of
// ParseToken; used by tooling and tests.
func IssueToken(claims *Claims, operatorID string) (string, error) {
	data, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}

	key := tokenKey(operatorID)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	padded := pkcs7Pad(data, block.BlockSize())
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, key[:block.BlockSize()]).CryptBlocks(out, padded)

	return base64.StdEncoding.EncodeToString([]byte(operatorID)) + "." +
		base64.StdEncoding.EncodeToString(out), nil
}

func decryptSegment(segment string, key []byte) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(segment)
	if err != nil {
		return nil, fmt.Errorf("token claim segment: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || len(raw)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("token claim segment has invalid length")
	}
	out := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, key[:block.BlockSize()]).CryptBlocks(out, raw)
	return pkcs7Unpad(out, block.BlockSize())
}

func pkcs7Pad(data []byte, size int) []byte {
	n := size - len(data)%size
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, size int) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("token padding: empty")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > size || n > len(data) {
		return nil, fmt.Errorf("token padding: invalid")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("token padding: invalid")
		}
	}
	return data[:len(data)-n], nil
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
