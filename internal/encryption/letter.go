package encryption

import (
	"encoding/json"
	"fmt"

	"github.com/dharsanguruparan/capsulenote/internal/faults"
)

// LetterContent is the plaintext of a letter. BodyRich holds the editor
// document, BodyHTML its rendered form.
type LetterContent struct {
	BodyRich json.RawMessage `json:"bodyRich"`
	BodyHTML string          `json:"bodyHtml"`
}

// EncryptLetter seals content under the current key version.
func (e *Engine) EncryptLetter(content LetterContent) (Sealed, error) {
	if len(content.BodyRich) == 0 {
		content.BodyRich = json.RawMessage("null")
	}
	plaintext, err := json.Marshal(content)
	if err != nil {
		return Sealed{}, fmt.Errorf("marshal letter content: %w", err)
	}
	return e.Encrypt(plaintext)
}

// DecryptLetter opens a sealed letter.
func (e *Engine) DecryptLetter(ciphertext, nonce []byte, keyVersion int) (LetterContent, error) {
	plaintext, err := e.Decrypt(ciphertext, nonce, keyVersion)
	if err != nil {
		return LetterContent{}, err
	}
	var content LetterContent
	if err := json.Unmarshal(plaintext, &content); err != nil {
		return LetterContent{}, faults.Wrap(faults.KindDecryption, "decode letter content", err)
	}
	return content, nil
}
