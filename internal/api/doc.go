// Package api 暴露 TaskRelay 的 REST 接口：编排方提交、查询与取消任务，
// 执行 Agent 通过回调上报进度与结果。所有错误以统一信封返回。
package api
