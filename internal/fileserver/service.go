// Package fileserver — хранилище вложений: принимает файл, отдаёт ссылку, по ссылке раздаёт файл.
// Движок чата хранит только ссылку (attachmentRef) и ничего не знает о содержимом.
package fileserver

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/chatcore/internal/logger"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

var (
	ErrBlockedType = errors.New("file type not allowed")
	ErrNotFound    = errors.New("file not found")
)

// BlockedExt — опасные расширения (исполняемые файлы и скрипты). Остальное разрешено.
var BlockedExt = map[string]bool{
	".exe": true, ".sh": true, ".js": true, ".bat": true, ".cmd": true,
	".php": true, ".py": true, ".rb": true,
}

// blockedMIME — то же по содержимому: переименованный исполняемый файл не проходит.
var blockedMIME = []string{
	"application/x-elf",
	"application/x-executable",
	"application/vnd.microsoft.portable-executable",
	"application/x-mach-binary",
	"application/x-sh",
	"text/x-shellscript",
	"text/javascript",
	"text/x-php",
	"text/x-python",
}

// Stored — результат загрузки.
type Stored struct {
	Reference    string `json:"reference"`
	MimeType     string `json:"mimeType"`
	Size         int64  `json:"size"`
	OriginalName string `json:"originalName"`
}

// Service сохраняет вложения в UploadDir в сжатом виде (.gz).
type Service struct {
	UploadDir     string
	MaxUploadSize int64
}

func New(uploadDir string, maxUploadSize int64) *Service {
	return &Service{UploadDir: uploadDir, MaxUploadSize: maxUploadSize}
}

// Save проверяет тип по расширению и по содержимому и сохраняет файл под новым именем.
func (s *Service) Save(ctx context.Context, originalName string, src io.Reader) (*Stored, error) {
	// Некоторые клиенты кодируют пробел в имени как "+".
	originalName = strings.ReplaceAll(originalName, "+", " ")
	ext := strings.ToLower(filepath.Ext(originalName))
	if BlockedExt[ext] {
		return nil, ErrBlockedType
	}

	head := make([]byte, 3072)
	n, err := io.ReadFull(src, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read head: %w", err)
	}
	head = head[:n]
	mt := mimetype.Detect(head)
	for _, blocked := range blockedMIME {
		if mt.Is(blocked) {
			return nil, ErrBlockedType
		}
	}
	if ext == "" {
		ext = mt.Extension()
	}

	if err := os.MkdirAll(s.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	ref := uuid.New().String() + ext
	dstPath := filepath.Join(s.UploadDir, ref+".gz")
	size, err := s.writeGzip(ctx, dstPath, head, src)
	if err != nil {
		os.Remove(dstPath)
		return nil, err
	}

	name := safeFilename(filepath.Base(originalName))
	if name == "" || name == "." {
		name = ref
	}
	logger.Debugf("fileserver: stored %s (%s, %d bytes)", ref, mt.String(), size)
	return &Stored{Reference: ref, MimeType: mt.String(), Size: size, OriginalName: name}, nil
}

func (s *Service) writeGzip(ctx context.Context, path string, head []byte, rest io.Reader) (int64, error) {
	dst, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create: %w", err)
	}
	gz := gzip.NewWriter(dst)
	if _, err := gz.Write(head); err != nil {
		gz.Close()
		dst.Close()
		return 0, fmt.Errorf("write: %w", err)
	}
	n, err := copyWithContext(ctx, gz, rest)
	if err != nil {
		gz.Close()
		dst.Close()
		return 0, err
	}
	if err := gz.Close(); err != nil {
		dst.Close()
		return 0, fmt.Errorf("gzip close: %w", err)
	}
	if err := dst.Close(); err != nil {
		return 0, fmt.Errorf("close: %w", err)
	}
	return int64(len(head)) + n, nil
}

// Open отдаёт распакованное содержимое и MIME-тип по ссылке.
func (s *Service) Open(ref string) (io.ReadCloser, string, error) {
	ref = filepath.Base(ref)
	if ref == "." || ref == string(filepath.Separator) {
		return nil, "", ErrNotFound
	}
	f, err := os.Open(filepath.Join(s.UploadDir, ref+".gz"))
	if err != nil {
		return nil, "", ErrNotFound
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, "", fmt.Errorf("gzip reader: %w", err)
	}
	return &gzipFile{Reader: gz, f: f}, mimeByExt(filepath.Ext(ref)), nil
}

type gzipFile struct {
	*gzip.Reader
	f *os.File
}

func (g *gzipFile) Close() error {
	g.Reader.Close()
	return g.f.Close()
}

func mimeByExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".pdf":
		return "application/pdf"
	case ".txt":
		return "text/plain"
	case ".mp3":
		return "audio/mpeg"
	case ".ogg":
		return "audio/ogg"
	}
	return "application/octet-stream"
}

// ContentDisposition строит заголовок для скачивания под исходным именем (UTF-8).
func ContentDisposition(name string) string {
	safe := safeFilename(strings.ReplaceAll(name, "+", " "))
	if safe == "" {
		return ""
	}
	disp := "attachment; filename*=UTF-8''" + url.PathEscape(safe)
	if ascii := asciiFallbackFilename(safe); ascii == safe {
		disp = "attachment; filename=\"" + ascii + "\"; " + disp
	}
	return disp
}

// safeFilename убирает управляющие символы, кавычки и разделители пути. UTF-8 сохраняется.
func safeFilename(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '\r', '\n', '"', '\\', '/', '\x00':
			continue
		}
		if unicode.IsPrint(r) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

func asciiFallbackFilename(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		select {
		case <-ctx.Done():
			return total, fmt.Errorf("upload cancelled: %w", ctx.Err())
		default:
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return total, fmt.Errorf("write: %w", err)
			}
			total += int64(n)
		}
		if readErr == io.EOF {
			return total, nil
		}
		if readErr != nil {
			return total, fmt.Errorf("read: %w", readErr)
		}
	}
}
