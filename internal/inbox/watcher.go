// 本文件用于收件目录监控 把落盘的制度附件挂到文档当前草稿
// 文件职责：监听 <inbox>/<documentId>/<file> 写入稳定后调用引擎 AttachFiles
// 边界与容错：临时文件和非白名单后缀忽略 无草稿或重名只记日志不重试

package inbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"policy-store/internal/logger"
	"policy-store/internal/match"
	"policy-store/internal/policy"
)

const (
	// Actor 收件目录挂载附件时记录的操作人
	Actor = "inbox"

	defaultSettleDelay  = 2 * time.Second
	logThrottleDuration = 5 * time.Second
)

// Engine 是收件目录依赖的引擎能力
type Engine interface {
	ListGroups() []policy.DocumentGroup
	AttachFiles(ctx context.Context, id string, files []policy.FileInput, actor string) (policy.Version, error)
}

// Observer 接收每个收件文件的挂载结果
type Observer interface {
	ObserveInbox(ok bool)
}

// Watcher 收件目录监控器
type Watcher struct {
	watcher  *fsnotify.Watcher
	root     string
	matcher  *match.Matcher
	engine   Engine
	settle   time.Duration
	observer Observer

	ctx    context.Context
	cancel context.CancelFunc

	stateMutex  sync.Mutex
	lastLogged  map[string]time.Time
	writeTimers map[string]*time.Timer
	closed      bool
	wg          sync.WaitGroup
}

// NewWatcher 创建收件目录监控器 settle 为写入静默多久后视为写完
func NewWatcher(root string, exts string, settle time.Duration, engine Engine) (*Watcher, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("inbox dir is required")
	}
	if engine == nil {
		return nil, errors.New("inbox engine is nil")
	}
	if _, err := match.ParseExtList(exts); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if settle <= 0 {
		settle = defaultSettleDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		watcher:     fsw,
		root:        filepath.Clean(root),
		matcher:     match.NewMatcher(exts),
		engine:      engine,
		settle:      settle,
		ctx:         ctx,
		cancel:      cancel,
		lastLogged:  make(map[string]time.Time),
		writeTimers: make(map[string]*time.Timer),
	}, nil
}

// SetObserver 设置挂载结果观测 需在 Start 之前调用
func (w *Watcher) SetObserver(o Observer) {
	w.observer = o
}

// Start 注册根目录与全部文档目录的监听并启动事件协程
func (w *Watcher) Start() error {
	logger.Info("开始监控收件目录: %s", w.root)
	if err := w.watcher.Add(w.root); err != nil {
		logger.Error("添加收件目录监控失败: %v", err)
		return err
	}
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			w.addDocumentDir(filepath.Join(w.root, entry.Name()))
		}
	}
	w.wg.Add(1)
	go w.handleEvents()
	logger.Info("收件目录监控启动成功，允许后缀: %v", w.matcher.Exts())
	return nil
}

// Close 停止定时器并关闭底层监听
func (w *Watcher) Close() error {
	w.stateMutex.Lock()
	if w.closed {
		w.stateMutex.Unlock()
		return nil
	}
	w.closed = true
	for _, t := range w.writeTimers {
		t.Stop()
	}
	w.writeTimers = make(map[string]*time.Timer)
	w.stateMutex.Unlock()

	w.cancel()
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) handleEvents() {
	defer w.wg.Done()
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Error("收件目录监控错误: %v", err)
		case <-w.ctx.Done():
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	logger.Debug("收到文件事件: %s, 操作: %s", event.Name, event.Op.String())
	if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) {
		return
	}
	if event.Op.Has(fsnotify.Create) && filepath.Dir(event.Name) == w.root {
		if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
			w.addDocumentDir(event.Name)
			return
		}
	}
	if _, ok := w.documentOf(event.Name); !ok || !w.matcher.IsTargetFile(event.Name) {
		return
	}
	if w.shouldLogFileEvent(event.Name) {
		logger.Info("检测到收件文件变化: %s, 操作: %s", event.Name, event.Op.String())
	}
	w.touch(event.Name)
}

func (w *Watcher) addDocumentDir(dir string) {
	if err := w.watcher.Add(dir); err != nil {
		logger.Warn("添加文档目录监控失败: %s, 错误: %v", dir, err)
		return
	}
	logger.Debug("添加文档目录监控: %s", dir)
}

// documentOf 只接受根目录下一级子目录里的文件
func (w *Watcher) documentOf(path string) (string, bool) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 2 || parts[0] == ".." || parts[0] == "" || parts[1] == "" {
		return "", false
	}
	return parts[0], true
}

// touch 每次写入重置静默定时器
func (w *Watcher) touch(path string) {
	w.stateMutex.Lock()
	defer w.stateMutex.Unlock()
	if w.closed {
		return
	}
	if timer, ok := w.writeTimers[path]; ok {
		timer.Stop()
	}
	w.writeTimers[path] = time.AfterFunc(w.settle, func() {
		w.handleWriteComplete(path)
	})
}

func (w *Watcher) handleWriteComplete(path string) {
	w.stateMutex.Lock()
	if w.closed {
		w.stateMutex.Unlock()
		return
	}
	delete(w.writeTimers, path)
	delete(w.lastLogged, path)
	w.stateMutex.Unlock()

	err := w.attach(w.ctx, path)
	if err != nil {
		logger.Warn("收件文件挂载失败: %s, 错误: %v", path, err)
	}
	if w.observer != nil {
		w.observer.ObserveInbox(err == nil)
	}
}

func (w *Watcher) attach(ctx context.Context, path string) error {
	docID, ok := w.documentOf(path)
	if !ok {
		return nil
	}
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	if fi.IsDir() {
		return nil
	}
	draft := w.currentDraft(docID)
	if draft == nil {
		return errors.New("document " + docID + " has no draft")
	}
	name := filepath.Base(path)
	v, err := w.engine.AttachFiles(ctx, draft.ID, []policy.FileInput{{
		Name:      name,
		SizeBytes: fi.Size(),
		MimeType:  match.MimeTypeFor(name),
	}}, Actor)
	if err != nil {
		return err
	}
	logger.Info("收件文件已挂载: %s -> %s, 附件数: %d", name, v.ID, len(v.Attachments))
	return nil
}

func (w *Watcher) currentDraft(docID string) *policy.Version {
	for _, g := range w.engine.ListGroups() {
		if g.DocumentID == docID {
			return g.Draft
		}
	}
	return nil
}

func (w *Watcher) shouldLogFileEvent(path string) bool {
	w.stateMutex.Lock()
	defer w.stateMutex.Unlock()
	if last, ok := w.lastLogged[path]; !ok || time.Since(last) > logThrottleDuration {
		w.lastLogged[path] = time.Now()
		return true
	}
	return false
}
