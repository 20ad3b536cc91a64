package pipeline

import (
	"context"
	"sync"

	"team-copilot-go/pkg/log"
	"team-copilot-go/pkg/tasks"
)

// Dispatcher 把入库任务交给后台执行，不等待处理完成。
type Dispatcher interface {
	Dispatch(ctx context.Context, task tasks.IngestTask) error
}

// TaskProcessor 是真正执行入库任务的一方，*Processor 实现了它。
type TaskProcessor interface {
	Process(ctx context.Context, task tasks.IngestTask) error
}

// TaskAborter 在任务无法执行时收尾：文档置为 failed，临时文件被删除。*Processor 实现了它。
type TaskAborter interface {
	Abort(ctx context.Context, documentID string, cause error) error
}

// AsyncDispatcher 在进程内用 goroutine 执行任务，并发数受 workers 限制。
type AsyncDispatcher struct {
	processor TaskProcessor
	aborter   TaskAborter
	sem       chan struct{}
	wg        sync.WaitGroup
	base      context.Context
}

// NewAsyncDispatcher 创建调度器。base 取消后，执行中的任务收到取消信号，
// 仍在排队的任务不再执行，交给 aborter 标记为 failed。
func NewAsyncDispatcher(base context.Context, processor TaskProcessor, aborter TaskAborter, workers int) *AsyncDispatcher {
	if workers <= 0 {
		workers = 1
	}
	return &AsyncDispatcher{
		processor: processor,
		aborter:   aborter,
		sem:       make(chan struct{}, workers),
		base:      base,
	}
}

// Dispatch 立即返回；任务的生命周期与发起请求的 ctx 无关。
func (d *AsyncDispatcher) Dispatch(_ context.Context, task tasks.IngestTask) error {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		select {
		case d.sem <- struct{}{}:
		case <-d.base.Done():
			d.abort(task)
			return
		}
		defer func() { <-d.sem }()
		// 两个分支同时就绪时 select 随机选择，这里再检查一次
		if d.base.Err() != nil {
			d.abort(task)
			return
		}

		if err := d.processor.Process(d.base, task); err != nil {
			log.Errorf("[Dispatcher] 文档任务失败: DocumentID=%s, Error: %v", task.DocumentID, err)
			return
		}
		log.Infof("[Dispatcher] 文档任务完成: DocumentID=%s", task.DocumentID)
	}()
	return nil
}

func (d *AsyncDispatcher) abort(task tasks.IngestTask) {
	log.Warnf("[Dispatcher] 调度器已关闭, 放弃文档 %s", task.DocumentID)
	if d.aborter == nil {
		return
	}
	if err := d.aborter.Abort(context.WithoutCancel(d.base), task.DocumentID, d.base.Err()); err != nil {
		log.Errorf("[Dispatcher] 放弃文档时收尾失败: DocumentID=%s, Error: %v", task.DocumentID, err)
	}
}

// Wait 阻塞直到所有已调度的任务结束。
func (d *AsyncDispatcher) Wait() {
	d.wg.Wait()
}
