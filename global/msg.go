package global

import "PPRealtime/tools/errs"

// Msg HTTP 接口统一返回体
type Msg struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data any    `json:"data,omitempty"`
}

func Success(data any) *Msg {
	return &Msg{
		Code: 200,
		Msg:  "",
		Data: data,
	}
}

// Fail 对外只暴露校验类错误，其余折叠为 try again
func Fail(err error) *Msg {
	pub := errs.Public(err)
	return &Msg{Code: pub.Code, Msg: pub.Msg, Data: pub.Detail}
}
