package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/xela07ax/dns-sentinel/internal/infra"
)

// Source — один внешний источник сигналов по домену.
// Payload каждого источника — произвольный JSON: ядру важен только статус,
// содержимое уходит модели как есть, в текстовом виде.
type Source interface {
	Name() string
	Lookup(ctx context.Context, domain string) (json.RawMessage, error)
}

// BuildSources собирает включенные источники из конфига.
// Неизвестное имя — ошибка конфигурации, а не молчаливый пропуск:
// опечатка в списке источников не должна тихо ослаблять обогащение.
func BuildSources(cfg infra.EnrichmentConfig) ([]Source, map[string]time.Duration, error) {
	resolver := NewResolver(cfg.Resolver)
	httpc := &http.Client{Timeout: 30 * time.Second} // страховочный потолок, рабочий таймаут ставит координатор

	var sources []Source
	timeouts := make(map[string]time.Duration, len(cfg.Sources))

	for _, sc := range cfg.Sources {
		if !sc.Enabled {
			continue
		}
		var s Source
		switch sc.Name {
		case "dns_records":
			s = &RecordsSource{resolver: resolver}
		case "quad9":
			s = &BlockCompareSource{
				name:       "quad9",
				filtered:   "9.9.9.9:53",
				unfiltered: "9.9.9.10:53",
				resolver:   resolver,
			}
		case "cloudflare_families":
			s = &BlockCompareSource{
				name:       "cloudflare_families",
				filtered:   "1.1.1.2:53",
				unfiltered: "1.1.1.1:53",
				resolver:   resolver,
				// Cloudflare отвечает 0.0.0.0 вместо пустого ответа
				sinkholeIP: "0.0.0.0",
			}
		case "spamhaus_dbl":
			s = &DNSBLSource{name: "spamhaus_dbl", zone: "dbl.spamhaus.org", decode: decodeSpamhaus, resolver: resolver}
		case "surbl":
			s = &DNSBLSource{name: "surbl", zone: "multi.surbl.org", decode: decodeSURBL, resolver: resolver}
		case "rdap":
			s = &RDAPSource{client: httpc}
		case "otx":
			s = &OTXSource{client: httpc, apiKey: cfg.OTXAPIKey}
		default:
			return nil, nil, fmt.Errorf("enrich: unknown source %q in config", sc.Name)
		}
		sources = append(sources, s)
		timeouts[sc.Name] = sc.Timeout
	}
	return sources, timeouts, nil
}
