package store

import (
	"sync"

	"github.com/Abdulrahman-Burham/healix-sub001/internal/apperr"
	"github.com/Abdulrahman-Burham/healix-sub001/internal/models"
)

// Language 界面语言
type Language string

const (
	LanguageEnglish Language = "en"
	LanguageArabic  Language = "ar"
)

// Preferences 界面偏好（语言、侧边栏）
type Preferences struct {
	mu               sync.RWMutex
	language         Language
	sidebarOpen      bool
	sidebarCollapsed bool
}

// NewPreferences 创建偏好存储，未知语言回退为英文
func NewPreferences(language string) *Preferences {
	p := &Preferences{language: LanguageEnglish}
	_ = p.SetLanguage(language)
	return p
}

// Language 当前语言
func (p *Preferences) Language() Language {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.language
}

// SetLanguage 切换语言
func (p *Preferences) SetLanguage(language string) error {
	lang := Language(language)
	if lang != LanguageEnglish && lang != LanguageArabic {
		return apperr.Validation("unsupported language "+language, nil)
	}
	p.mu.Lock()
	p.language = lang
	p.mu.Unlock()
	return nil
}

// Direction 文本方向：阿拉伯语为 rtl
func (p *Preferences) Direction() string {
	if p.Language() == LanguageArabic {
		return "rtl"
	}
	return "ltr"
}

// SidebarOpen 侧边栏是否展开（移动端）
func (p *Preferences) SidebarOpen() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sidebarOpen
}

// SidebarCollapsed 侧边栏是否折叠（桌面端）
func (p *Preferences) SidebarCollapsed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sidebarCollapsed
}

func (p *Preferences) ToggleSidebar() {
	p.mu.Lock()
	p.sidebarOpen = !p.sidebarOpen
	p.mu.Unlock()
}

func (p *Preferences) ToggleSidebarCollapse() {
	p.mu.Lock()
	p.sidebarCollapsed = !p.sidebarCollapsed
	p.mu.Unlock()
}

// AlertText 按当前语言选择报警标题与正文，阿拉伯语文案缺失时回退英文
func (p *Preferences) AlertText(alert models.Alert) (title, message string) {
	title, message = alert.Title, alert.Message
	if p.Language() != LanguageArabic {
		return title, message
	}
	if alert.TitleAr != "" {
		title = alert.TitleAr
	}
	if alert.MessageAr != "" {
		message = alert.MessageAr
	}
	return title, message
}
