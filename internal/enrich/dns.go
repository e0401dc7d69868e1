package enrich

/*
Файл dns.go — все DNS-источники сигналов: прямые записи, сравнение
фильтрующих резолверов и DNSBL-зоны. Все запросы идут через miekg/dns
с обычным UDP-клиентом и фолбэком на TCP при усеченном ответе.
*/

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/miekg/dns"
)

// Resolver — тонкая обертка над dns.Client. Позволяет слать запрос
// либо в системный резолвер из конфига, либо в явно указанный сервер
// (для сравнения фильтрованных и нефильтрованных ответов).
type Resolver struct {
	client  *dns.Client
	tcp     *dns.Client
	defAddr string
}

func NewResolver(defaultAddr string) *Resolver {
	return &Resolver{
		client:  &dns.Client{Net: "udp"},
		tcp:     &dns.Client{Net: "tcp"},
		defAddr: defaultAddr,
	}
}

// Query выполняет один запрос. Пустой server = резолвер по умолчанию.
func (r *Resolver) Query(ctx context.Context, name string, qtype uint16, server string) (*dns.Msg, error) {
	if server == "" {
		server = r.defAddr
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true

	resp, _, err := r.client.ExchangeContext(ctx, m, server)
	if err != nil {
		return nil, err
	}
	// Урезанный UDP-ответ переспрашиваем по TCP
	if resp.Truncated {
		resp, _, err = r.tcp.ExchangeContext(ctx, m, server)
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// queryStrings возвращает текстовые значения записей нужного типа.
// NXDOMAIN — это валидный пустой результат, а не ошибка.
func (r *Resolver) queryStrings(ctx context.Context, name string, qtype uint16, server string) ([]string, error) {
	resp, err := r.Query(ctx, name, qtype, server)
	if err != nil {
		return nil, err
	}
	if resp.Rcode == dns.RcodeNameError {
		return nil, nil
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("dns: rcode %s for %s", dns.RcodeToString[resp.Rcode], name)
	}

	var out []string
	for _, rr := range resp.Answer {
		switch v := rr.(type) {
		case *dns.A:
			out = append(out, v.A.String())
		case *dns.AAAA:
			out = append(out, v.AAAA.String())
		case *dns.MX:
			out = append(out, v.Mx)
		case *dns.NS:
			out = append(out, v.Ns)
		case *dns.TXT:
			out = append(out, strings.Join(v.Txt, " "))
		case *dns.CNAME:
			out = append(out, v.Target)
		}
	}
	return out, nil
}

// RecordsSource собирает базовые записи домена: A, MX, NS, TXT.
// Сами по себе они не вердикт, но дают модели контекст
// (парковка, отсутствие почты, подозрительные NS).
type RecordsSource struct {
	resolver *Resolver
}

func (s *RecordsSource) Name() string { return "dns_records" }

func (s *RecordsSource) Lookup(ctx context.Context, domain string) (json.RawMessage, error) {
	payload := struct {
		A   []string `json:"a,omitempty"`
		MX  []string `json:"mx,omitempty"`
		NS  []string `json:"ns,omitempty"`
		TXT []string `json:"txt,omitempty"`
	}{}

	var firstErr error
	collect := func(qtype uint16, dst *[]string) {
		vals, err := s.resolver.queryStrings(ctx, domain, qtype, "")
		if err != nil && firstErr == nil {
			firstErr = err
		}
		*dst = vals
	}
	collect(dns.TypeA, &payload.A)
	collect(dns.TypeMX, &payload.MX)
	collect(dns.TypeNS, &payload.NS)
	collect(dns.TypeTXT, &payload.TXT)

	// Частичный сбор записей полезнее отказа: ошибку отдаем только
	// когда не получили вообще ничего
	if firstErr != nil && len(payload.A) == 0 && len(payload.MX) == 0 &&
		len(payload.NS) == 0 && len(payload.TXT) == 0 {
		return nil, firstErr
	}
	return json.Marshal(payload)
}

// BlockCompareSource сравнивает ответ фильтрующего резолвера с контрольным.
// Если контрольный отвечает, а фильтрующий нет (или отдает sinkhole-адрес) —
// провайдер считает домен вредоносным.
type BlockCompareSource struct {
	name       string
	filtered   string // резолвер с фильтрацией
	unfiltered string // контрольный резолвер того же провайдера
	sinkholeIP string // адрес-заглушка вместо пустого ответа, опционально
	resolver   *Resolver
}

func (s *BlockCompareSource) Name() string { return s.name }

func (s *BlockCompareSource) Lookup(ctx context.Context, domain string) (json.RawMessage, error) {
	filtered, errF := s.resolver.queryStrings(ctx, domain, dns.TypeA, s.filtered)
	unfiltered, errU := s.resolver.queryStrings(ctx, domain, dns.TypeA, s.unfiltered)
	if errF != nil && errU != nil {
		return nil, fmt.Errorf("%s: both resolvers failed: %v", s.name, errF)
	}

	blocked := false
	if len(unfiltered) > 0 {
		if len(filtered) == 0 {
			blocked = true
		} else if s.sinkholeIP != "" {
			for _, ip := range filtered {
				if ip == s.sinkholeIP {
					blocked = true
					break
				}
			}
		}
	}

	return json.Marshal(struct {
		Blocked bool `json:"blocked"`
	}{Blocked: blocked})
}

// DNSBLSource опрашивает доменный блок-лист: <domain>.<zone>.
// Код угрозы закодирован в возвращаемом A-адресе, раскодировка своя на зону.
type DNSBLSource struct {
	name     string
	zone     string
	decode   func(ips []string) []string
	resolver *Resolver
}

func (s *DNSBLSource) Name() string { return s.name }

func (s *DNSBLSource) Lookup(ctx context.Context, domain string) (json.RawMessage, error) {
	ips, err := s.resolver.queryStrings(ctx, domain+"."+s.zone, dns.TypeA, "")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.name, err)
	}

	return json.Marshal(struct {
		Listed     bool     `json:"listed"`
		Categories []string `json:"categories,omitempty"`
	}{
		Listed:     len(ips) > 0,
		Categories: s.decode(ips),
	})
}

// Коды ответов Spamhaus DBL
var spamhausCodes = map[string]string{
	"127.0.1.2":   "spam",
	"127.0.1.4":   "phishing",
	"127.0.1.5":   "malware",
	"127.0.1.6":   "botnet_cc",
	"127.0.1.102": "abused_spam",
	"127.0.1.104": "abused_phishing",
	"127.0.1.105": "abused_malware",
	"127.0.1.106": "abused_botnet_cc",
}

func decodeSpamhaus(ips []string) []string {
	var out []string
	for _, ip := range ips {
		if cat, ok := spamhausCodes[ip]; ok {
			out = append(out, cat)
		}
	}
	return out
}

// SURBL кодирует категории битовой маской в последнем октете
func decodeSURBL(ips []string) []string {
	var out []string
	for _, ip := range ips {
		parts := strings.Split(ip, ".")
		if len(parts) != 4 {
			continue
		}
		code, err := strconv.Atoi(parts[3])
		if err != nil {
			continue
		}
		if code&8 != 0 {
			out = append(out, "phishing")
		}
		if code&16 != 0 {
			out = append(out, "malware")
		}
		if code&64 != 0 {
			out = append(out, "abuse")
		}
		if code&128 != 0 {
			out = append(out, "cracked")
		}
	}
	return out
}
