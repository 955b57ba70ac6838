package main

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
	twilioclient "github.com/twilio/twilio-go/client"

	"github.com/jurisflow/intake/pkg/configutil"
)

type twilioConfig struct {
	Transports struct {
		Provider string         `mapstructure:"provider"`
		Settings map[string]any `mapstructure:"settings"`
	} `mapstructure:"transports"`
}

type twilioSettings struct {
	AuthToken   string `mapstructure:"auth_token"`
	From        string `mapstructure:"from"`
	PublicURL   string `mapstructure:"public_url"`
	WebhookPath string `mapstructure:"webhook_path"`
}

// simulate_webhook posts a signed Twilio WhatsApp webhook to a running intake
// server, the way Twilio would deliver an inbound message.
func main() {
	configPath := flag.String("config", "examples/lawoffice/config.yaml", "")
	target := flag.String("target", "http://localhost:8080", "server base URL")
	from := flag.String("from", "", "sender number, e.g. +5511999990000")
	name := flag.String("name", "", "sender profile name")
	text := flag.String("text", "", "message body")
	sid := flag.String("sid", "", "message SID; reuse one to test deduplication")
	flag.Parse()
	if *from == "" || *text == "" {
		fmt.Println("usage: simulate_webhook -from=+5511999990000 -text='Olá' [-name=Maria] [-sid=SM...] [-config=...]")
		os.Exit(1)
	}
	cfg, err := loadTwilioConfig(*configPath)
	if err != nil {
		fmt.Println("config error:", err)
		os.Exit(1)
	}
	var settings twilioSettings
	if err := configutil.DecodeSettings(cfg.Transports.Settings, &settings); err != nil {
		fmt.Println("settings error:", err)
		os.Exit(1)
	}
	if settings.AuthToken == "" {
		fmt.Println("auth_token is empty")
		os.Exit(1)
	}
	path := settings.WebhookPath
	if path == "" {
		path = "/webhooks/twilio"
	}
	messageSID := *sid
	if messageSID == "" {
		messageSID = "SM" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}

	params := map[string]string{
		"MessageSid":  messageSID,
		"From":        "whatsapp:" + *from,
		"To":          "whatsapp:" + strings.TrimPrefix(settings.From, "whatsapp:"),
		"Body":        *text,
		"ProfileName": *name,
		"NumMedia":    "0",
	}
	// The signature covers the public URL Twilio was configured with, which
	// is what the server reconstructs when public_url is set.
	signedURL := strings.TrimRight(*target, "/") + path
	if settings.PublicURL != "" {
		signedURL = "https://" + normalizePublicURL(settings.PublicURL) + path
	}
	signature := sign(settings.AuthToken, signedURL, params)
	validator := twilioclient.NewRequestValidator(settings.AuthToken)
	if !validator.Validate(signedURL, params, signature) {
		fmt.Println("signature self-check failed")
		os.Exit(1)
	}

	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}
	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(*target, "/")+path, strings.NewReader(form.Encode()))
	if err != nil {
		fmt.Println("request error:", err)
		os.Exit(1)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", signature)

	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Println("post error:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	fmt.Println("status:", resp.Status)
	fmt.Println("message_sid:", messageSID)
	fmt.Println(string(body))
}

func sign(authToken, url string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(url)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(params[k])
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	_, _ = mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func loadTwilioConfig(path string) (twilioConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return twilioConfig{}, err
	}
	var cfg twilioConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return twilioConfig{}, err
	}
	for k, val := range cfg.Transports.Settings {
		if s, ok := val.(string); ok {
			cfg.Transports.Settings[k] = os.ExpandEnv(s)
		}
	}
	return cfg, nil
}

func normalizePublicURL(v string) string {
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimRight(v, "/")
}
