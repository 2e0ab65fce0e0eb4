package util

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"legalbot/m/v2/app/config"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	log "github.com/sirupsen/logrus"
)

func Env(name string, defaultValue ...string) string {
	value, ok := os.LookupEnv(name)
	if !ok && len(defaultValue) > 0 {
		return defaultValue[0]
	}
	Assert(ok, "Environment variable "+name+" not found")
	return value
}

func EnvInt(name string, defaultValue int64) int64 {
	raw := Env(name, strconv.FormatInt(defaultValue, 10))
	value, err := strconv.ParseInt(raw, 10, 64)
	Assert(err == nil, "Environment variable "+name+" is not an integer:", raw)
	return value
}

func EnvDuration(name string, defaultValue time.Duration) time.Duration {
	raw := Env(name, defaultValue.String())
	value, err := time.ParseDuration(raw)
	Assert(err == nil, "Environment variable "+name+" is not a duration:", raw)
	return value
}

func Assert(ok bool, args ...any) {
	if !ok {
		log.Fatal("Assertion failed, killing app!!!", append([]any{"FATAL:"}, args...))
		os.Exit(1)
	}
}

func GetBotLoggerOption(cfg *config.Config) telego.BotOption {
	if cfg.Environment == "production" {
		return telego.WithDefaultLogger(false, true)
	} else {
		return telego.WithDefaultDebugLogger()
	}
}

func GetChatID(m *telego.Message) telego.ChatID {
	return tu.ID(m.Chat.ID)
}

func GetChatIDString(m *telego.Message) string {
	return fmt.Sprintf("%d", m.Chat.ID)
}

// ChunkString splits s into pieces no longer than chunkSize bytes, preferring
// line boundaries and falling back to words, then to runes, for long lines.
func ChunkString(s string, chunkSize int) []string {
	chunks := []string{}
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
		}
	}
	fits := func(piece string) bool {
		return current.Len() == 0 || current.Len()+len(piece)+1 <= chunkSize
	}

	lines := strings.Split(s, "\n")
	for lineIdx, line := range lines {
		if !fits(line) {
			flush()
		}
		if current.Len() > 0 {
			current.WriteByte('\n')
		}
		if len(line) <= chunkSize {
			current.WriteString(line)
			continue
		}
		for _, word := range splitLongWords(strings.Fields(line), chunkSize) {
			if !fits(word) {
				flush()
			}
			if current.Len() > 0 {
				current.WriteByte(' ')
			}
			current.WriteString(word)
		}
		if lineIdx < len(lines)-1 && current.Len() < chunkSize {
			current.WriteByte('\n')
		}
	}
	flush()
	return chunks
}

// splitLongWords cuts words longer than size into pieces of at most size
// bytes without breaking a rune.
func splitLongWords(words []string, size int) []string {
	out := make([]string, 0, len(words))
	for _, word := range words {
		for len(word) > size {
			cut := size
			for cut > 0 && !utf8.RuneStart(word[cut]) {
				cut--
			}
			if cut == 0 {
				cut = size
			}
			out = append(out, word[:cut])
			word = word[cut:]
		}
		if word != "" {
			out = append(out, word)
		}
	}
	return out
}
