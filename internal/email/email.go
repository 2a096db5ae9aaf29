// Пакет email — уведомления операторов о закрытии архивных дисков.
// Тело письма рендерится из текстовых шаблонов, загружаемых по glob
// (параметр tera_template_glob — имя исторически унаследовано от JADE);
// отправка идёт через SMTP-клиент go-mail. Движок шаблонов спрятан за
// узким интерфейсом Renderer: наружу торчит только
// Render(имя, значения) → строка.
package email

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"text/template"
	"time"

	mail "github.com/wneessen/go-mail"

	"github.com/WIPACrepo/datamove/internal/config"
)

// CloseDiskTemplate — имя шаблона письма о заполненном диске.
const CloseDiskTemplate = "closeArchiveDisk.tmpl"

// sendTimeout — предел на одну SMTP-отправку.
const sendTimeout = 60 * time.Second

// Renderer — узкий интерфейс рендеринга шаблонов.
type Renderer interface {
	Render(templateName string, values any) (string, error)
}

// TemplateRenderer — Renderer поверх text/template c ParseGlob.
type TemplateRenderer struct {
	templates *template.Template
}

// NewTemplateRenderer компилирует все шаблоны по glob-у.
// Регистрирует функцию comma — форматирование целых с разделителями
// тысяч (32351 → "32,351").
func NewTemplateRenderer(glob string) (*TemplateRenderer, error) {
	tmpl, err := template.New("").Funcs(template.FuncMap{
		"comma": Comma,
	}).ParseGlob(glob)
	if err != nil {
		return nil, fmt.Errorf("не удалось скомпилировать шаблоны по glob %q: %w", glob, err)
	}
	return &TemplateRenderer{templates: tmpl}, nil
}

// Render рендерит шаблон по имени.
func (r *TemplateRenderer) Render(templateName string, values any) (string, error) {
	var sb strings.Builder
	if err := r.templates.ExecuteTemplate(&sb, templateName, values); err != nil {
		return "", fmt.Errorf("ошибка рендеринга шаблона %q: %w", templateName, err)
	}
	return sb.String(), nil
}

// Comma форматирует целое число с разделителями тысяч.
func Comma(n int64) string {
	s := strconv.FormatInt(n, 10)
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	var parts []string
	for len(s) > 3 {
		parts = append([]string{s[len(s)-3:]}, parts...)
		s = s[:len(s)-3]
	}
	parts = append([]string{s}, parts...)
	out := strings.Join(parts, ",")
	if neg {
		out = "-" + out
	}
	return out
}

// Sender — отправитель писем.
type Sender interface {
	Send(subject, body string, to []config.Contact) error
}

// SMTPSender — Sender поверх SMTP.
type SMTPSender struct {
	cfg    *config.EmailConfig
	logger *slog.Logger
}

// NewSMTPSender создаёт SMTP-отправитель.
func NewSMTPSender(cfg *config.EmailConfig, logger *slog.Logger) *SMTPSender {
	return &SMTPSender{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "email")),
	}
}

// Send отправляет письмо всем адресатам. При enabled=false письмо
// только логируется — поведение тестовых стендов.
func (s *SMTPSender) Send(subject, body string, to []config.Contact) error {
	if len(to) == 0 {
		s.logger.Warn("Письмо не отправлено: список адресатов пуст",
			slog.String("subject", subject),
		)
		return nil
	}

	if !s.cfg.Enabled {
		for _, contact := range to {
			s.logger.Info("Отправка писем выключена, адресат пропущен",
				slog.String("subject", subject),
				slog.String("name", contact.Name),
				slog.String("email", contact.Email),
			)
		}
		return nil
	}

	msg := mail.NewMsg()
	if err := msg.From(s.cfg.From); err != nil {
		return fmt.Errorf("некорректный адрес отправителя %q: %w", s.cfg.From, err)
	}
	if s.cfg.ReplyTo != "" {
		if err := msg.ReplyTo(s.cfg.ReplyTo); err != nil {
			return fmt.Errorf("некорректный адрес reply_to %q: %w", s.cfg.ReplyTo, err)
		}
	}
	for _, contact := range to {
		if err := msg.AddToFormat(contact.Name, contact.Email); err != nil {
			return fmt.Errorf("некорректный адрес получателя %q: %w", contact.Email, err)
		}
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)

	client, err := mail.NewClient(s.cfg.Host,
		mail.WithPort(s.cfg.Port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(s.cfg.Username),
		mail.WithPassword(s.cfg.Password),
		mail.WithTimeout(sendTimeout),
	)
	if err != nil {
		return fmt.Errorf("не удалось создать SMTP-клиент: %w", err)
	}

	if err := client.DialAndSend(msg); err != nil {
		return fmt.Errorf("ошибка отправки письма %q: %w", subject, err)
	}

	s.logger.Info("Письмо отправлено",
		slog.String("subject", subject),
		slog.Int("recipients", len(to)),
	)
	return nil
}

// DiskClosedContext — значения для шаблона closeArchiveDisk.
type DiskClosedContext struct {
	Hostname    string
	ArchiveName string
	// Disk — атрибуты закрытого диска
	Disk EmailDisk
	NumFilePairs  int64
	SizeFilePairs int64
	RateBytesSec  int64
	FreeBytes     int64
	TotalBytes    int64
	// Списки путей по классам для сводки ёмкости
	NotMountedPaths []string
	NotUsablePaths  []string
	AvailablePaths  []string
	InUsePaths      []string
	FinishedPaths   []string
}

// EmailDisk — атрибуты диска в человекочитаемой форме письма.
type EmailDisk struct {
	ID          int64
	Label       string
	CopyID      int32
	UUID        string
	DateCreated string
	DateUpdated string
	Path        string
}

// EmailDateFormat — формат дат в письмах (Dec 16, 2024 4:54:59 PM).
const EmailDateFormat = "Jan 2, 2006 3:04:05 PM"

// RateBytesSec вычисляет среднюю скорость записи диска. Интервал
// короче секунды — ошибка: деление на него даст бессмысленную скорость.
func RateBytesSec(dateCreated, dateUpdated time.Time, sizeBytes int64) (int64, error) {
	seconds := int64(dateUpdated.Sub(dateCreated).Seconds())
	if seconds < 1 {
		return 0, fmt.Errorf("длительность записи диска %d секунд: должна быть > 0", seconds)
	}
	return sizeBytes / seconds, nil
}
