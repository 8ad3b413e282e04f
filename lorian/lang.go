package lorian

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"github.com/spf13/viper"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

//go:embed lang/*.toml
var langFS embed.FS

const (
	langTextFile   = "en.toml"
	langImagesFile = "images.toml"
	langEmojisFile = "emojis.toml"
	langDefaultKey = "default"
)

// Lang holds the user-facing text, image URLs and emojis used by the bot.
// The embedded defaults are merged with same-named files from
// <data_dir>/lang, if present.
type Lang struct {
	text   *viper.Viper
	images *viper.Viper
	emojis *viper.Viper
}

// langOverrideDir returns the directory checked for language overrides
func langOverrideDir(dataDir string) string {
	if dataDir == "" {
		return ""
	}
	return filepath.Join(dataDir, "lang")
}

// newLang loads the embedded language files, merging overrides
// from overrideDir when it's non-empty
func newLang(overrideDir string) (*Lang, error) {
	text, textErr := loadLangFile(langTextFile, overrideDir)
	images, imagesErr := loadLangFile(langImagesFile, overrideDir)
	emojis, emojisErr := loadLangFile(langEmojisFile, overrideDir)
	if err := errors.Join(textErr, imagesErr, emojisErr); err != nil {
		return nil, err
	}
	return &Lang{text: text, images: images, emojis: emojis}, nil
}

func loadLangFile(name string, overrideDir string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("toml")

	data, err := fs.ReadFile(langFS, "lang/"+name)
	if err != nil {
		return nil, fmt.Errorf("error reading embedded %s: %w", name, err)
	}
	if err = v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("error parsing embedded %s: %w", name, err)
	}

	if overrideDir == "" {
		return v, nil
	}
	override, err := os.ReadFile(filepath.Join(overrideDir, name))
	switch {
	case errors.Is(err, os.ErrNotExist):
		return v, nil
	case err != nil:
		return nil, fmt.Errorf("error reading %s override: %w", name, err)
	}
	if err = v.MergeConfig(bytes.NewReader(override)); err != nil {
		return nil, fmt.Errorf("error parsing %s override: %w", name, err)
	}
	return v, nil
}

// Text returns the text for the given key, with `{name}` placeholders
// replaced. Unknown keys return the key itself.
func (l *Lang) Text(key string, placeholders map[string]string) string {
	s := l.text.GetString(key)
	if s == "" {
		return key
	}
	for k, v := range placeholders {
		s = strings.ReplaceAll(s, "{"+k+"}", v)
	}
	return s
}

// Textf is Text with placeholders given as alternating name/value pairs
func (l *Lang) Textf(key string, pairs ...string) string {
	placeholders := make(map[string]string, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		placeholders[pairs[i]] = pairs[i+1]
	}
	return l.Text(key, placeholders)
}

// Image resolves "category.name" to an image URL, falling back to the
// category's default image, then the global default
func (l *Lang) Image(key string) string {
	return resolveLangAsset(l.images, key)
}

// Emoji resolves "category.name" to an emoji, with the same fallbacks
// as Image
func (l *Lang) Emoji(key string) string {
	return resolveLangAsset(l.emojis, key)
}

func resolveLangAsset(v *viper.Viper, key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	if s := v.GetString(key); s != "" {
		return s
	}
	category, _, _ := strings.Cut(key, ".")
	if s := v.GetString(category + "." + langDefaultKey); s != "" {
		return s
	}
	return v.GetString(langDefaultKey + "." + langDefaultKey)
}

// ImageCategories returns the number of images in each category,
// excluding the default table
func (l *Lang) ImageCategories() map[string]int {
	counts := map[string]int{}
	for category, entries := range l.images.AllSettings() {
		if category == langDefaultKey {
			continue
		}
		if m, ok := entries.(map[string]any); ok {
			counts[category] = len(m)
		}
	}
	return counts
}

// ImageKeys returns every "category.name" image key, sorted
func (l *Lang) ImageKeys() []string {
	return sortedLeafKeys(l.images)
}

// EmojiKeys returns every "category.name" emoji key, sorted
func (l *Lang) EmojiKeys() []string {
	return sortedLeafKeys(l.emojis)
}

func sortedLeafKeys(v *viper.Viper) []string {
	var keys []string
	for _, k := range v.AllKeys() {
		if strings.HasPrefix(k, langDefaultKey+".") {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
