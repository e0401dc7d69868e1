package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// RDAPSource выясняет возраст домена и регистратора через rdap.org.
// Свежая регистрация — один из самых сильных сигналов для модели.
type RDAPSource struct {
	client *http.Client
}

func (s *RDAPSource) Name() string { return "rdap" }

type rdapResponse struct {
	Events []struct {
		EventAction string `json:"eventAction"`
		EventDate   string `json:"eventDate"`
	} `json:"events"`
	Entities []struct {
		Roles      []string `json:"roles"`
		VcardArray []any    `json:"vcardArray"`
	} `json:"entities"`
}

func (s *RDAPSource) Lookup(ctx context.Context, domain string) (json.RawMessage, error) {
	body, err := s.get(ctx, "https://rdap.org/domain/"+domain, nil)
	if err != nil {
		return nil, err
	}

	var parsed rdapResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("rdap: decode: %w", err)
	}

	payload := struct {
		CreationDate string `json:"creation_date,omitempty"`
		AgeDays      *int   `json:"age_days,omitempty"`
		Registrar    string `json:"registrar,omitempty"`
	}{}

	for _, ev := range parsed.Events {
		if ev.EventAction == "registration" && len(ev.EventDate) >= 10 {
			payload.CreationDate = ev.EventDate[:10]
		}
	}
	if payload.CreationDate != "" {
		if created, err := time.Parse("2006-01-02", payload.CreationDate); err == nil {
			age := int(time.Since(created).Hours() / 24)
			payload.AgeDays = &age
		}
	}
	payload.Registrar = extractRegistrar(parsed)

	return json.Marshal(payload)
}

// extractRegistrar достает имя регистратора из vCard-массива RDAP.
// Формат vCard неприятный: [["fn", {}, "text", "Имя"], ...]
func extractRegistrar(parsed rdapResponse) string {
	for _, ent := range parsed.Entities {
		isRegistrar := false
		for _, role := range ent.Roles {
			if role == "registrar" {
				isRegistrar = true
				break
			}
		}
		if !isRegistrar || len(ent.VcardArray) < 2 {
			continue
		}
		entries, ok := ent.VcardArray[1].([]any)
		if !ok {
			continue
		}
		for _, raw := range entries {
			entry, ok := raw.([]any)
			if !ok || len(entry) < 4 {
				continue
			}
			if key, _ := entry[0].(string); key == "fn" {
				if name, ok := entry[3].(string); ok {
					return name
				}
			}
		}
	}
	return ""
}

// OTXSource опрашивает AlienVault OTX: количество threat-репортов (pulses),
// связанные образцы малвари и теги.
type OTXSource struct {
	client *http.Client
	apiKey string // опционален, без ключа работает публичная квота
}

func (s *OTXSource) Name() string { return "otx" }

type otxResponse struct {
	PulseInfo struct {
		Count  int `json:"count"`
		Pulses []struct {
			Tags []string `json:"tags"`
		} `json:"pulses"`
	} `json:"pulse_info"`
	Malware struct {
		Data []any `json:"data"`
	} `json:"malware"`
}

func (s *OTXSource) Lookup(ctx context.Context, domain string) (json.RawMessage, error) {
	headers := map[string]string{}
	if s.apiKey != "" {
		headers["X-OTX-API-KEY"] = s.apiKey
	}

	body, err := s.get(ctx,
		"https://otx.alienvault.com/api/v1/indicators/domain/"+domain+"/general", headers)
	if err != nil {
		return nil, err
	}

	var parsed otxResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("otx: decode: %w", err)
	}

	// Тегов может быть очень много, модели хватит первых
	tags := make([]string, 0, 10)
	for _, p := range parsed.PulseInfo.Pulses {
		for _, t := range p.Tags {
			tags = append(tags, t)
			if len(tags) == 10 {
				break
			}
		}
		if len(tags) == 10 {
			break
		}
	}

	return json.Marshal(struct {
		PulseCount   int      `json:"pulse_count"`
		MalwareCount int      `json:"malware_count"`
		Tags         []string `json:"tags,omitempty"`
	}{
		PulseCount:   parsed.PulseInfo.Count,
		MalwareCount: len(parsed.Malware.Data),
		Tags:         tags,
	})
}

func (s *OTXSource) get(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	return httpGet(ctx, s.client, url, headers)
}

func (s *RDAPSource) get(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	return httpGet(ctx, s.client, url, headers)
}

func httpGet(ctx context.Context, client *http.Client, url string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("enrich: build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("enrich: %s returned status %d", url, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}
