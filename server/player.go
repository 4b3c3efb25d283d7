package server

import "runicvtt/table"

// Participant 已连接的参与者：角色由接入时解析，连接只在 Tick 线程中增删
type Participant struct {
	ID   table.ParticipantID
	Role table.Role

	Conn *ClientConn // 网络连接的发送端（写协程）
}

// join 接入请求，在 Tick 线程中生效
type join struct {
	p *Participant
}

// leave 断开请求；只移除仍是同一连接的参与者，避免误删重连后的新连接
type leave struct {
	id   table.ParticipantID
	conn *ClientConn
}
