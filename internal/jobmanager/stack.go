package jobmanager

import (
	"sync"

	"github.com/ChuLiYu/drmlicense-service/internal/job"
)

// Stack 一個工作階段的 LIFO job 堆疊，同一 group 的 job 在堆疊中相鄰
//
// 呼叫端不會直接看到底層 slice：執行迴圈透過 NextGroup 逐一取出頂端 group 的 job。
// 併發安全：所有方法都可以從其他 goroutine 呼叫（例如查詢狀態）。
type Stack struct {
	mu   sync.Mutex
	jobs []job.Job // 最後一個元素是頂端
}

// Push 推入 job
func (s *Stack) Push(j job.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, j)
}

// Len job 數量
func (s *Stack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Peek 回傳頂端的 job，空堆疊時回傳 nil
func (s *Stack) Peek() job.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.jobs) == 0 {
		return nil
	}
	return s.jobs[len(s.jobs)-1]
}

// RemoveLastOfType 由底往頂掃描，移除最後一個符合類型的 job
func (s *Stack) RemoveLastOfType(t job.Type) job.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, j := range s.jobs {
		if j.Type() == t {
			idx = i
		}
	}
	if idx < 0 {
		return nil
	}
	removed := s.jobs[idx]
	s.jobs = append(s.jobs[:idx], s.jobs[idx+1:]...)
	return removed
}

// NextGroup 回傳頂端 job 的 group 與一個迭代器。
//
// 迭代器每次呼叫取出一個 job：第一次一定取出頂端的 job；
// 之後只在頂端仍屬於同一個非零 group 時繼續取出。
// group 0（不屬於任何 group）的 job 各自成為一輪。
// job 執行期間推入的同 group job 會在下一次呼叫時被取出。
//
// 使用範例：
//
//	gid, next := stack.NextGroup()
//	for j, ok := next(); ok; j, ok = next() {
//		execute(gid, j)
//	}
func (s *Stack) NextGroup() (int, func() (job.Job, bool)) {
	top := s.Peek()
	if top == nil {
		return 0, func() (job.Job, bool) { return nil, false }
	}

	gid := top.GroupID()
	first := true
	return gid, func() (job.Job, bool) {
		s.mu.Lock()
		defer s.mu.Unlock()

		n := len(s.jobs)
		if n == 0 {
			return nil, false
		}
		if !first && (gid == 0 || s.jobs[n-1].GroupID() != gid) {
			return nil, false
		}
		first = false
		j := s.jobs[n-1]
		s.jobs = s.jobs[:n-1]
		return j, true
	}
}

// Drain 清空堆疊並回傳所有 job（由底到頂）
func (s *Stack) Drain() []job.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.jobs
	s.jobs = nil
	return out
}
