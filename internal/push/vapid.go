package push

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/cascowatch/internal/logger"
)

// VAPIDKeys — пара ключей Web Push.
type VAPIDKeys struct {
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

const DefaultVAPIDKeysPath = "config/vapid.json"

// ResolveVAPIDKeys: ключи из конфигурации, иначе из файла path, иначе генерируются и сохраняются в path.
// Половина пары в конфигурации: ошибка.
func ResolveVAPIDKeys(public, private, path string) (*VAPIDKeys, error) {
	if public != "" || private != "" {
		if public == "" || private == "" {
			return nil, errors.New("push: VAPID_PUBLIC_KEY и VAPID_PRIVATE_KEY задаются вместе")
		}
		return &VAPIDKeys{PublicKey: public, PrivateKey: private}, nil
	}
	if path == "" {
		path = DefaultVAPIDKeysPath
	}
	if keys, err := readVAPIDKeys(path); err == nil {
		return keys, nil
	}
	priv, pub, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return nil, fmt.Errorf("push: generate VAPID keys: %w", err)
	}
	keys := &VAPIDKeys{PublicKey: pub, PrivateKey: priv}
	if err := writeVAPIDKeys(path, keys); err != nil {
		logger.Warnf("push: VAPID-ключи не сохранены в %s: %v (используются до перезапуска)", path, err)
		return keys, nil
	}
	logger.Infof("push: VAPID-ключи сгенерированы, %s", path)
	return keys, nil
}

func readVAPIDKeys(path string) (*VAPIDKeys, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var keys VAPIDKeys
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, err
	}
	if keys.PublicKey == "" || keys.PrivateKey == "" {
		return nil, errors.New("empty VAPID keys file")
	}
	return &keys, nil
}

func writeVAPIDKeys(path string, keys *VAPIDKeys) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
